package models

import "time"

// WOLConfig holds Wake-on-LAN configuration for the staging database host.
type WOLConfig struct {
	MACAddress    string
	BroadcastIP   string
	PollAddress   string        // host:port polled until it accepts TCP connections
	Timeout       time.Duration // max time to wait for the host
	PollInterval  time.Duration // how often to poll
	StabilizeWait time.Duration // wait after the port answers
}

// WOLResult holds the result of a Wake-on-LAN operation.
type WOLResult struct {
	PacketSent   bool
	TargetReady  bool
	WaitDuration time.Duration
	Error        error
}
