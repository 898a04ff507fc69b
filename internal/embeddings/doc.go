// Package embeddings turns text into vectors for the knowledge index.
//
// Two providers are supported: "openai" calls an OpenAI-compatible
// embeddings endpoint (OpenAI itself, or a TEI or Ollama server through
// base_url), and "fastembed" runs ONNX models locally. FastEmbed needs cgo
// and the ONNX runtime; binaries built without cgo get a stub that fails at
// construction.
package embeddings
