// Package voice describes how each agent sounds on the voice channel.
//
// A Persona pairs an agent with a TTS voice name and prosody Settings
// (speed, pitch). Built-in personas cover router, office, analyst,
// procurement, engineering and accounting; voice.personas in the config
// overrides any field, and unknown agents get the fallback voice.
//
// The Registry also phrases handoffs ("office_to_analyst" style keys, with
// a {target} template as default) and the apology spoken when a request
// fails before the agent could answer.
package voice
