// Package vectorstore indexes prior tickets and generated code for
// similarity lookup.
//
// A Store holds embedded documents in one collection. Two backends exist:
// ChromemStore (embedded, persistent or in-memory) and QdrantStore (external
// server over gRPC). Knowledge sits on top of a Store and speaks the pipeline's
// vocabulary: it indexes finished runs and answers the similar-ticket and
// similar-code lookups the stages make while building prompts.
//
// Documents carry string metadata. The "kind" key separates tickets from code
// so both share a collection:
//
//	k := vectorstore.NewKnowledge(store, logger)
//	refs, err := k.SimilarTickets(ctx, "add rate limiting", 3)
package vectorstore
