package emulator

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidAction is returned for tokens outside the button vocabulary.
var ErrInvalidAction = errors.New("invalid action")

// Button is one physical input.
type Button uint16

// Handheld buttons. Values are bit positions in a Mask.
const (
	ButtonA Button = 1 << iota
	ButtonB
	ButtonSelect
	ButtonStart
	ButtonRight
	ButtonLeft
	ButtonUp
	ButtonDown
)

var buttonNames = map[string]Button{
	"A":      ButtonA,
	"B":      ButtonB,
	"SELECT": ButtonSelect,
	"START":  ButtonStart,
	"RIGHT":  ButtonRight,
	"LEFT":   ButtonLeft,
	"UP":     ButtonUp,
	"DOWN":   ButtonDown,
}

// Vocabulary lists the accepted single-button tokens.
func Vocabulary() []string {
	return []string{"A", "B", "START", "SELECT", "UP", "DOWN", "LEFT", "RIGHT"}
}

// Action is a validated action token.
type Action struct {
	// Token is the token as sent by the client.
	Token string
	// Mask has one bit set per pressed button.
	Mask Button
}

// Pressed reports whether b is held by the action.
func (a Action) Pressed(b Button) bool {
	return a.Mask&b != 0
}

// InvalidTokenError names the rejected token and its position in a batch.
type InvalidTokenError struct {
	Token string
	Index int
}

func (e *InvalidTokenError) Error() string {
	return fmt.Sprintf("invalid action %q", e.Token)
}

func (e *InvalidTokenError) Unwrap() error {
	return ErrInvalidAction
}

// ParseAction validates a token such as "A", "start" or "A,B".
// Button names are case-insensitive and surrounding spaces are ignored.
func ParseAction(token string) (Action, error) {
	var mask Button
	for _, part := range strings.Split(token, ",") {
		b, ok := buttonNames[strings.ToUpper(strings.TrimSpace(part))]
		if !ok {
			return Action{}, &InvalidTokenError{Token: token}
		}
		mask |= b
	}
	return Action{Token: token, Mask: mask}, nil
}

// ParseActions validates every token before returning any action.
func ParseActions(tokens []string) ([]Action, error) {
	actions := make([]Action, 0, len(tokens))
	for i, token := range tokens {
		a, err := ParseAction(token)
		if err != nil {
			return nil, &InvalidTokenError{Token: token, Index: i}
		}
		actions = append(actions, a)
	}
	return actions, nil
}
