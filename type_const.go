// Package moviedialog is the dialogue manager of a conversational movie
// recommender.
//
// A Runtime receives structured dialogue acts from an NLU component, keeps a
// belief state of the user's constraints per session, and answers with the
// next system act for an NLG component: ask for a slot, confirm a conflicting
// value, recommend candidates (relaxing constraints when nothing matches) or
// close the conversation.
//
// The runtime owns session state. Sessions live in a spec.SessionStore
// (in memory by default, see package badgerstore for a persistent one) and
// are evicted only when the host calls EvictIdle or EndSession.
package moviedialog
