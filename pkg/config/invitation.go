package config

import "time"

// InvitationConfig configures tenant membership invitations.
type InvitationConfig struct {
	// TTL is how long an emailed invitation stays redeemable.
	TTL time.Duration

	// AcceptBaseURL is the public page the emailed link points at; the
	// token is appended as a query parameter.
	AcceptBaseURL string
}

func loadInvitationConfig() InvitationConfig {
	return InvitationConfig{
		TTL:           getEnvDuration("INVITATION_TTL", 7*24*time.Hour),
		AcceptBaseURL: getEnv("INVITATION_ACCEPT_BASE_URL", "http://localhost:8080/invitations/accept"),
	}
}
