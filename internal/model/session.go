package model

import (
	"slices"
	"time"
)

// SessionStatus represents the state of an extraction session.
type SessionStatus string

const (
	SessionStatusStarted     SessionStatus = "started"
	SessionStatusInProgress  SessionStatus = "in_progress"
	SessionStatusCachePrompt SessionStatus = "cache_prompt"
	SessionStatusCompleted   SessionStatus = "completed"
	SessionStatusFailed      SessionStatus = "failed"
)

// Terminal reports whether no further progress will be recorded.
func (s SessionStatus) Terminal() bool {
	switch s {
	case SessionStatusCompleted, SessionStatusFailed, SessionStatusCachePrompt:
		return true
	}
	return false
}

// StepError records a failed step attempt.
type StepError struct {
	Step    StepKind `json:"step_name"`
	Message string   `json:"message"`
}

// RunFlags are the caller-facing knobs for a run.
type RunFlags struct {
	UseCache       UseCache   `json:"use_cache"`
	ForceRefresh   bool       `json:"force_refresh"`
	Interactive    bool       `json:"interactive,omitempty"`
	RequestedSteps []StepKind `json:"requested_steps,omitempty"`
}

// Session is the mutable record of one orchestrator run. It is the single
// source of truth callers poll for progress.
type Session struct {
	ID             string           `json:"id"`
	Target         string           `json:"target"`
	Domain         string           `json:"domain,omitempty"`
	Status         SessionStatus    `json:"status"`
	CurrentStep    StepKind         `json:"current_step,omitempty"`
	CompletedSteps []StepKind       `json:"completed_steps"`
	Errors         []StepError      `json:"errors"`
	EntityID       string           `json:"entity_id,omitempty"`
	RequestedSteps []StepKind       `json:"requested_steps,omitempty"`
	Policy         *CachePolicy     `json:"cache_policy,omitempty"`
	CachePrompt    *CachePrompt     `json:"cache_prompt,omitempty"`
	Statistics     map[StepKind]int `json:"statistics,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at"`
	FinishedAt     *time.Time       `json:"finished_at,omitempty"`
}

// HasCompleted reports whether step is in CompletedSteps.
func (s *Session) HasCompleted(step StepKind) bool {
	return slices.Contains(s.CompletedSteps, step)
}

// Clone returns a deep copy safe to hand to another goroutine.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	c.CompletedSteps = slices.Clone(s.CompletedSteps)
	c.Errors = slices.Clone(s.Errors)
	c.RequestedSteps = slices.Clone(s.RequestedSteps)
	if s.Policy != nil {
		p := *s.Policy
		c.Policy = &p
	}
	if s.CachePrompt != nil {
		cp := *s.CachePrompt
		c.CachePrompt = &cp
	}
	if s.Statistics != nil {
		c.Statistics = make(map[StepKind]int, len(s.Statistics))
		for k, v := range s.Statistics {
			c.Statistics[k] = v
		}
	}
	if s.FinishedAt != nil {
		t := *s.FinishedAt
		c.FinishedAt = &t
	}
	return &c
}
