// Package contact decides whether the bot may open a private conversation
// with a user, composes the greeting and records the contact.
//
// The Engine is the entry point. It is built once per plugin start, shared
// by the scheduled sweep and the manual command, and serializes attempts
// per user so a sweep and a command racing on the same user send at most
// once inside the cooldown window.
package contact
