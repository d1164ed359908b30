// Package tempo keeps a multi-step generative lyric pipeline inside the
// request budget of an AI provider.
//
// The building blocks live under pkg:
//
//   - ratelimit: per-tier FIFO gates (requests per minute, concurrency,
//     spacing) that pause when the provider reports a quota error
//   - retry: exponential backoff with jitter and a per-tier attempt budget
//   - workflow: scoped runs with latest-only supersession, dedupe and
//     cancellation
//   - pipeline: the analysis, draft and post-processing steps with a
//     combined fast path and a sequential fallback
//
// The tempo command wires them behind an HTTP API:
//
//	go install github.com/kadirpekel/tempo/cmd/tempo@latest
//	tempo serve --config tempo.yaml
//
// A minimal configuration:
//
//	gateway:
//	  provider: gemini
//	  api_key: ${GEMINI_API_KEY}
//	limits:
//	  heavy: {rpm: 2, max_concurrent: 1, min_spacing: 30s}
//	  light: {rpm: 15, max_concurrent: 3, min_spacing: 2s}
//	pipeline:
//	  step_delay: 1.5s
package tempo
