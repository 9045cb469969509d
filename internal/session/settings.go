package session

import (
	"time"

	"github.com/tdworkflow/fixsession/pkg/fix"
)

// Default policy knobs. Tolerance is the fraction of the heartbeat interval
// granted before a TestRequest goes out; the fatal cutoff is twice that.
const (
	DefaultHeartBtInt         = 30 * time.Second
	DefaultHeartbeatTolerance = 0.2
	DefaultDupTrackingGrace   = 60 * time.Second
	DefaultTimerResolution    = 500 * time.Millisecond
)

// Settings configures one session. Validation tags are enforced when the
// settings come from a config file; programmatic users get the same checks
// through ApplyDefaults plus the engine constructor.
type Settings struct {
	BeginString  string `mapstructure:"begin_string" validate:"required"`
	SenderCompID string `mapstructure:"sender_comp_id" validate:"required"`
	TargetCompID string `mapstructure:"target_comp_id" validate:"required"`
	Qualifier    string `mapstructure:"qualifier"`

	// Initiator sessions dial out and send the first logon; acceptor
	// sessions wait for one.
	Initiator bool   `mapstructure:"initiator"`
	Address   string `mapstructure:"address" validate:"required_if=Initiator true"`

	HeartBtInt         time.Duration `mapstructure:"heartbeat_interval"`
	HeartbeatTolerance float64       `mapstructure:"heartbeat_tolerance" validate:"gte=0,lte=1"`
	ResetOnLogon       bool          `mapstructure:"reset_on_logon"`

	// DupTrackingGrace bounds how long the delivered-sequence set from a
	// resend episode is kept after the gap closes.
	DupTrackingGrace time.Duration `mapstructure:"dup_tracking_grace"`

	// TimerResolution is the engine's tick granularity.
	TimerResolution time.Duration `mapstructure:"timer_resolution"`

	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

// ApplyDefaults fills zero-valued policy knobs.
func (s *Settings) ApplyDefaults() {
	if s.HeartBtInt <= 0 {
		s.HeartBtInt = DefaultHeartBtInt
	}
	if s.HeartbeatTolerance == 0 {
		s.HeartbeatTolerance = DefaultHeartbeatTolerance
	}
	if s.DupTrackingGrace <= 0 {
		s.DupTrackingGrace = DefaultDupTrackingGrace
	}
	if s.TimerResolution <= 0 {
		s.TimerResolution = DefaultTimerResolution
	}
}

// SessionID returns the store/registry key for these settings.
func (s Settings) SessionID() fix.SessionID {
	return fix.SessionID{
		BeginString:  s.BeginString,
		SenderCompID: s.SenderCompID,
		TargetCompID: s.TargetCompID,
		Qualifier:    s.Qualifier,
	}
}
