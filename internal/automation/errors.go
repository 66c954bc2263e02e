package automation

import "errors"

var (
	ErrInvalidSchedule    = errors.New("invalid schedule")
	ErrInvalidAutomation  = errors.New("invalid automation configuration")
	ErrNotFound           = errors.New("automation not found")
	ErrAudienceGeneration = errors.New("audience generation failed")
	ErrTestSend           = errors.New("test sending failed")
	ErrEmergencyStop      = errors.New("emergency stop requested")
	ErrLiveSend           = errors.New("live execution failed")
)
