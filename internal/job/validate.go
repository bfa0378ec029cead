package job

import (
	"fmt"
	"regexp"
	"strings"
)

// MaxBodyLength bounds the message content accepted at ingress.
const MaxBodyLength = 5000

// MaxAttemptsCeiling bounds the configurable retry budget.
const MaxAttemptsCeiling = 10

var (
	emailPattern = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)
	phonePattern = regexp.MustCompile(`^\+?[0-9]{7,15}$`)
)

// ValidateRecipient checks the recipient format for the given channel:
// an email address, an E.164-style phone number, or a device token.
func ValidateRecipient(c Channel, recipient string) error {
	recipient = strings.TrimSpace(recipient)
	if recipient == "" {
		return fmt.Errorf("recipient is required")
	}

	switch c {
	case ChannelEmail:
		if !emailPattern.MatchString(recipient) {
			return fmt.Errorf("invalid email address format")
		}
	case ChannelSMS:
		if !phonePattern.MatchString(recipient) {
			return fmt.Errorf("invalid phone number format")
		}
	case ChannelPush:
		if len(recipient) < 8 {
			return fmt.Errorf("invalid device token")
		}
	default:
		return fmt.Errorf("unknown channel: %s", c)
	}

	return nil
}

// Validate checks a job at creation time. It only covers ingress rules;
// lifecycle invariants are enforced by the store and the engine.
func (j *NotificationJob) Validate() error {
	if !j.Channel.Valid() {
		return fmt.Errorf("channel must be email, sms, or push")
	}
	if err := ValidateRecipient(j.Channel, j.Recipient); err != nil {
		return err
	}
	if strings.TrimSpace(j.Body) == "" {
		return fmt.Errorf("body is required")
	}
	if len(j.Body) > MaxBodyLength {
		return fmt.Errorf("body exceeds %d characters", MaxBodyLength)
	}
	if j.Priority != "" && !j.Priority.Valid() {
		return fmt.Errorf("priority must be low, medium, high, or critical")
	}
	// Zero means "use the configured default"; explicit values are bounded.
	if j.MaxAttempts < 0 || j.MaxAttempts > MaxAttemptsCeiling {
		return fmt.Errorf("max_attempts must be between 1 and %d, or omitted for the default", MaxAttemptsCeiling)
	}
	return nil
}
