package downstream

import (
	"context"
	"errors"
	"net"
)

// Class is the retry classification of a downstream failure.
type Class int

const (
	// ClassTransient failures are redirected to the outbox and retried.
	ClassTransient Class = iota
	// ClassRejected failures are terminal and never retried.
	ClassRejected
)

// String returns a readable class name.
func (c Class) String() string {
	if c == ClassRejected {
		return "rejected"
	}

	return "transient"
}

// StatusRule maps an inclusive HTTP status range to a class.
type StatusRule struct {
	From  int
	To    int
	Class Class
}

// Classifier decides retryability. Rules are evaluated in order and the first
// matching range wins; statuses matching no rule use Fallback.
type Classifier struct {
	Rules    []StatusRule
	Fallback Class
}

// DefaultClassifier treats timeouts, throttling and 5xx as transient and any
// other 4xx as a rejection.
func DefaultClassifier() Classifier {
	return Classifier{
		Rules: []StatusRule{
			{From: 408, To: 408, Class: ClassTransient},
			{From: 425, To: 425, Class: ClassTransient},
			{From: 429, To: 429, Class: ClassTransient},
			{From: 400, To: 499, Class: ClassRejected},
			{From: 500, To: 599, Class: ClassTransient},
		},
		Fallback: ClassTransient,
	}
}

// ClassifyStatus returns the class for an HTTP status code.
func (c Classifier) ClassifyStatus(status int) Class {
	if class, ok := c.matchStatus(status); ok {
		return class
	}

	return c.Fallback
}

func (c Classifier) matchStatus(status int) (Class, bool) {
	for _, rule := range c.Rules {
		if status >= rule.From && status <= rule.To {
			return rule.Class, true
		}
	}

	return ClassTransient, false
}

// Classify returns the class for err. A *StoreError with a status code is
// matched against Rules first and otherwise keeps its own discriminator.
// Deadlines and network errors are always transient; any other error uses
// Fallback.
func (c Classifier) Classify(err error) Class {
	if storeErr, ok := AsStoreError(err); ok {
		if storeErr.StatusCode != 0 {
			if class, matched := c.matchStatus(storeErr.StatusCode); matched {
				return class
			}
		}
		if storeErr.Transient {
			return ClassTransient
		}

		return ClassRejected
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return ClassTransient
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return ClassTransient
	}

	return c.Fallback
}

// IsTransient reports whether err is retryable under the default classifier.
func IsTransient(err error) bool {
	return DefaultClassifier().Classify(err) == ClassTransient
}

// WithStatuses returns a copy of c where the given statuses are classified as
// class ahead of every existing rule.
func (c Classifier) WithStatuses(class Class, statuses ...int) Classifier {
	rules := make([]StatusRule, 0, len(statuses)+len(c.Rules))
	for _, status := range statuses {
		rules = append(rules, StatusRule{From: status, To: status, Class: class})
	}
	c.Rules = append(rules, c.Rules...)

	return c
}
