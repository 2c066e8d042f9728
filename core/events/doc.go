// Package events defines the typed session event contract.
//
// Inbound JSON messages from the browser are decoded into [Inbound] and
// split into typed events with [Inbound.Events]. Every event is delivered to
// the session it was addressed to, in arrival order.
//
// Event kinds are grouped by namespace:
//
//   - session.* events change the per-tab state: frames, speech toggles,
//     recording state and microphone audio.
//   - user_input.* events carry what the user said or typed.
//   - procedure.* events ask for procedure scoped work, such as the post-op
//     note or note edits.
//
// Events that carry a session identifier implement [SessionScoped]; they are
// dropped when routed to any other session.
package events
