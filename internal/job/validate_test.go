package job

import (
	"strings"
	"testing"
)

func TestValidateRecipient_Email(t *testing.T) {
	cases := []struct {
		recipient string
		wantErr   bool
	}{
		{"user@example.com", false},
		{"first.last@mail.co.uk", false},
		{"not-an-email", true},
		{"missing@tld", true},
		{"@example.com", true},
		{"", true},
	}

	for _, tc := range cases {
		err := ValidateRecipient(ChannelEmail, tc.recipient)
		if (err != nil) != tc.wantErr {
			t.Errorf("ValidateRecipient(email, %q): got err=%v, wantErr=%v", tc.recipient, err, tc.wantErr)
		}
	}
}

func TestValidateRecipient_SMS(t *testing.T) {
	cases := []struct {
		recipient string
		wantErr   bool
	}{
		{"+14155550123", false},
		{"4155550123", false},
		{"+1", true},
		{"call-me-maybe", true},
		{"", true},
	}

	for _, tc := range cases {
		err := ValidateRecipient(ChannelSMS, tc.recipient)
		if (err != nil) != tc.wantErr {
			t.Errorf("ValidateRecipient(sms, %q): got err=%v, wantErr=%v", tc.recipient, err, tc.wantErr)
		}
	}
}

func TestValidateRecipient_Push(t *testing.T) {
	if err := ValidateRecipient(ChannelPush, "device-token-abc123"); err != nil {
		t.Errorf("expected valid device token, got %v", err)
	}
	if err := ValidateRecipient(ChannelPush, "short"); err == nil {
		t.Error("expected error for short device token")
	}
}

func TestValidateRecipient_UnknownChannel(t *testing.T) {
	if err := ValidateRecipient(Channel("fax"), "555-0123"); err == nil {
		t.Error("expected error for unknown channel")
	}
}

func TestJobValidate(t *testing.T) {
	valid := NotificationJob{
		Channel:     ChannelEmail,
		Recipient:   "user@example.com",
		Body:        "hello",
		Priority:    PriorityMedium,
		MaxAttempts: 3,
	}
	if err := valid.Validate(); err != nil {
		t.Fatalf("expected valid job, got %v", err)
	}

	tooLong := valid
	tooLong.Body = strings.Repeat("x", MaxBodyLength+1)
	if err := tooLong.Validate(); err == nil {
		t.Error("expected error for oversized body")
	}

	noBody := valid
	noBody.Body = "   "
	if err := noBody.Validate(); err == nil {
		t.Error("expected error for blank body")
	}

	badPriority := valid
	badPriority.Priority = "urgent"
	if err := badPriority.Validate(); err == nil {
		t.Error("expected error for unknown priority")
	}

	badBudget := valid
	badBudget.MaxAttempts = MaxAttemptsCeiling + 1
	if err := badBudget.Validate(); err == nil {
		t.Error("expected error for excessive max_attempts")
	}
}

func TestJobValidate_MaxAttempts(t *testing.T) {
	j := NotificationJob{
		Channel:   ChannelEmail,
		Recipient: "user@example.com",
		Body:      "hello",
	}

	// Zero defers to the configured default.
	j.MaxAttempts = 0
	if err := j.Validate(); err != nil {
		t.Errorf("expected zero max_attempts to pass, got %v", err)
	}

	j.MaxAttempts = -1
	if err := j.Validate(); err == nil {
		t.Error("expected error for negative max_attempts")
	}

	j.MaxAttempts = MaxAttemptsCeiling + 1
	err := j.Validate()
	if err == nil {
		t.Fatal("expected error for excessive max_attempts")
	}
	if !strings.Contains(err.Error(), "omitted for the default") {
		t.Errorf("error should mention the zero-value default, got %q", err)
	}
}

func TestStatusTerminal(t *testing.T) {
	terminal := []Status{StatusSent, StatusFailed}
	for _, s := range terminal {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}

	live := []Status{StatusPending, StatusQueued, StatusProcessing, StatusRetrying}
	for _, s := range live {
		if s.Terminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}
