package models

// GuardRequest is the body of POST /guardrails. Only task "jailbreak" is
// supported.
type GuardRequest struct {
	Input string `json:"input"`
	Task  string `json:"task"`
}

// GuardResponse reports the jailbreak classification. For chunked inputs
// Prob and Sentence accumulate only the positive chunks and Verdict is their
// disjunction. Latency covers model inference only, in milliseconds.
type GuardResponse struct {
	Prob     []float64 `json:"prob"`
	Verdict  bool      `json:"verdict"`
	Sentence []string  `json:"sentence"`
	Latency  float64   `json:"latency"`
}
