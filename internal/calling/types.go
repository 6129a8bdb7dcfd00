package calling

import (
	"encoding/json"
	"fmt"
)

// PaymentMadeKey selects the payment variant of a calling. Every other key
// carries a plain action bundle.
const PaymentMadeKey = "payment_made"

// SendMessageAction sends a canned message to the counterpart.
type SendMessageAction struct {
	Enabled bool   `json:"enabled"`
	Message string `json:"message"`
}

// AddTagAction tags the counterpart record. Applying the same tag twice is a
// no-op at the store level.
type AddTagAction struct {
	Enabled bool   `json:"enabled"`
	Tag     string `json:"tag"`
}

// TransferToHumanAction emits a hand-off event for a human operator.
type TransferToHumanAction struct {
	Enabled bool `json:"enabled"`
}

// DelayedMessageAction schedules a message for now + DelayMinutes. Used for
// both follow-ups and reminders.
type DelayedMessageAction struct {
	Enabled      bool   `json:"enabled"`
	DelayMinutes int    `json:"delay_minutes"`
	Message      string `json:"message"`
}

// ActionBundle groups the individually toggleable automation actions of a
// calling. Nil entries were never configured.
type ActionBundle struct {
	SendMessage      *SendMessageAction     `json:"send_message,omitempty"`
	AddTag           *AddTagAction          `json:"add_tag,omitempty"`
	TransferToHuman  *TransferToHumanAction `json:"transfer_to_human,omitempty"`
	ScheduleFollowup *DelayedMessageAction  `json:"schedule_followup,omitempty"`
	ScheduleReminder *DelayedMessageAction  `json:"schedule_reminder,omitempty"`
}

// PaymentValidation holds the thresholds a paid amount is checked against.
// Amounts are integer minor units.
type PaymentValidation struct {
	ExpectedRecipient string `json:"expected_recipient"`
	ExpectedAmount    int64  `json:"expected_amount"`
	MinimumAmount     int64  `json:"minimum_amount"`
}

// PaymentConfig is the payment_made variant: validation thresholds plus one
// action bundle per reconciliation outcome.
type PaymentConfig struct {
	Validation          PaymentValidation `json:"validation"`
	OnSuccess           ActionBundle      `json:"on_success"`
	OnValueBelow        ActionBundle      `json:"on_value_below"`
	OnValueAbove        ActionBundle      `json:"on_value_above"`
	OnValidationFailure ActionBundle      `json:"on_validation_failure"`
}

// Spec is the calling payload variant: exactly one of ActionBundle or
// PaymentConfig, selected by the calling key.
type Spec interface {
	isCallingSpec()
}

func (*ActionBundle) isCallingSpec()  {}
func (*PaymentConfig) isCallingSpec() {}

// Calling is a named automation trigger with its payload variant.
type Calling struct {
	Key     string
	Enabled bool
	Spec    Spec
}

// Actions returns the generic bundle when this is a non-payment calling.
func (c *Calling) Actions() (*ActionBundle, bool) {
	bundle, ok := c.Spec.(*ActionBundle)
	return bundle, ok
}

// Payment returns the payment config when this is the payment_made calling.
func (c *Calling) Payment() (*PaymentConfig, bool) {
	cfg, ok := c.Spec.(*PaymentConfig)
	return cfg, ok
}

// Validate checks that the payload variant matches the key.
func (c *Calling) Validate() error {
	switch c.Spec.(type) {
	case *PaymentConfig:
		if c.Key != PaymentMadeKey {
			return fmt.Errorf("calling %q carries a payment config", c.Key)
		}
	case *ActionBundle:
		if c.Key == PaymentMadeKey {
			return fmt.Errorf("calling %q must carry a payment config", c.Key)
		}
	default:
		return fmt.Errorf("calling %q has no payload", c.Key)
	}
	return nil
}

type callingJSON struct {
	Key           string         `json:"key"`
	Enabled       bool           `json:"enabled"`
	Actions       *ActionBundle  `json:"actions,omitempty"`
	PaymentConfig *PaymentConfig `json:"payment_config,omitempty"`
}

// MarshalJSON writes the variant under "actions" or "payment_config" depending
// on the key.
func (c Calling) MarshalJSON() ([]byte, error) {
	out := callingJSON{Key: c.Key, Enabled: c.Enabled}
	switch spec := c.Spec.(type) {
	case *PaymentConfig:
		out.PaymentConfig = spec
	case *ActionBundle:
		out.Actions = spec
	case nil:
		return nil, fmt.Errorf("calling %q has no payload", c.Key)
	}
	return json.Marshal(out)
}

// UnmarshalJSON selects the variant by key, dropping a mismatched field so the
// stored document can never hold both.
func (c *Calling) UnmarshalJSON(data []byte) error {
	var raw callingJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	c.Key = raw.Key
	c.Enabled = raw.Enabled
	if raw.Key == PaymentMadeKey {
		if raw.PaymentConfig == nil {
			raw.PaymentConfig = &PaymentConfig{}
		}
		c.Spec = raw.PaymentConfig
		return nil
	}
	if raw.Actions == nil {
		raw.Actions = &ActionBundle{}
	}
	c.Spec = raw.Actions
	return nil
}

// StatusUpdate toggles the enabled flag of one calling key.
type StatusUpdate struct {
	Key     string `json:"key"`
	Enabled bool   `json:"enabled"`
}

// Find returns the calling with the given key from a config slice.
func Find(callings []Calling, key string) (*Calling, bool) {
	for i := range callings {
		if callings[i].Key == key {
			return &callings[i], true
		}
	}
	return nil, false
}
