// Package handshaketest drives handshake engines against each other
// without a network.
package handshaketest

import "github.com/mrjerryjohns/openweave-core/pkg/security/handshake"

const maxSteps = 64

// Outcome records how a pumped handshake ended. A nil action means that
// side was still waiting when no messages were left.
type Outcome struct {
	Initiator *handshake.Action
	Responder *handshake.Action

	// Responders counts the responder engines created. Each responder
	// reconfiguration ends one responder.
	Responders int

	// Reconfigurations counts initiator reconfigurations.
	Reconfigurations int

	// Messages counts messages exchanged.
	Messages int
}

// Run starts initiator and shuttles messages until neither side has
// anything to send. newResponder is called for the first message and again
// after each responder reconfiguration.
func Run(initiator handshake.Engine, newResponder func() handshake.Engine) Outcome {
	var out Outcome

	first := initiator.Start()
	if first.Kind == handshake.ActionFail {
		out.Initiator = &first
		return out
	}
	toResponder := first.Messages
	var toInitiator []handshake.Message

	responder := newResponder()
	out.Responders = 1

	for step := 0; step < maxSteps; step++ {
		if len(toResponder) == 0 && len(toInitiator) == 0 {
			break
		}
		for len(toResponder) > 0 && out.Responder == nil {
			msg := toResponder[0]
			toResponder = toResponder[1:]
			out.Messages++

			act := responder.Process(msg)
			switch act.Kind {
			case handshake.ActionSend:
				toInitiator = append(toInitiator, act.Messages...)
			case handshake.ActionReconfigure:
				toInitiator = append(toInitiator, act.Messages...)
				responder = newResponder()
				out.Responders++
			case handshake.ActionComplete, handshake.ActionFail:
				toInitiator = append(toInitiator, act.Messages...)
				out.Responder = &act
			}
		}
		toResponder = nil

		for len(toInitiator) > 0 && out.Initiator == nil {
			msg := toInitiator[0]
			toInitiator = toInitiator[1:]
			out.Messages++

			act := initiator.Process(msg)
			switch act.Kind {
			case handshake.ActionSend:
				toResponder = append(toResponder, act.Messages...)
			case handshake.ActionReconfigure:
				out.Reconfigurations++
				toResponder = append(toResponder, act.Messages...)
			case handshake.ActionComplete, handshake.ActionFail:
				toResponder = append(toResponder, act.Messages...)
				out.Initiator = &act
			}
		}
		toInitiator = nil
	}
	return out
}
