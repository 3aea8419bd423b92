package hallucination

import (
	"fmt"
	"strings"

	"github.com/promptgw/modelserver/pkg/models"
)

// MaskKind tags every generated token with its structural role inside a
// <tool_call> block.
type MaskKind string

const (
	MaskToolCall       MaskKind = "tool_call"
	MaskFunctionName   MaskKind = "function_name"
	MaskParameterName  MaskKind = "parameter_name"
	MaskParameterValue MaskKind = "parameter_value"
	MaskUnused         MaskKind = "unused"
)

// phase is the parser position inside the streamed tool-call JSON.
type phase int

const (
	phaseNone phase = iota
	phaseFunctionName
	phaseParameterName
	phaseParameterValue
)

const toolCallToken = "<tool_call>"

// Suffix patterns over the whitespace-stripped rolling buffer. The model may
// emit either quote style, so both are listed.
var (
	funcNameStartPatterns  = []string{`<tool_call>` + "\n" + `{"name":"`, "<tool_call>\n{'name':'"}
	funcNameEndTokens      = []string{`",`, `',`}
	firstParamNamePatterns = []string{`"arguments":{"`, `'arguments':{'`}
	paramNameEndPatterns   = []string{`":`, `:"`, `':`, `:'`}
	paramNameStartPatterns = []string{`,"`, `,'`}
	paramValueStartSuffix  = []string{`":`, `':`}
	paramValueEndPatterns  = []string{`",`, "}}\n", `',`}
)

var bracketPairs = map[rune]rune{'(': ')', '{': '}', '[': ']'}

const punctuation = "!\"#$%&'()*+,-./:;<=>?@[\\]^_`{|}~"

// Checkpoint records one uncertainty measurement, keyed to the token that
// triggered it.
type Checkpoint struct {
	Token       string  `json:"token"`
	Entropy     float64 `json:"entropy"`
	Varentropy  float64 `json:"varentropy"`
	Probability float64 `json:"probability"`
}

// State is the streaming hallucination detector for one generation. It
// ingests every token with its top-k log-probs, tracks the structural mask,
// and checks uncertainty at exactly two kinds of positions: the
// <tool_call> marker and the first value token of each required parameter.
//
// Invariant: len(mask) == len(tokens) after every Ingest.
type State struct {
	tokens   []string
	logProbs [][]float64
	mask     []MaskKind

	phase             phase
	parameterNameDone bool
	openBracket       bool
	bracket           rune

	functionName   string
	parameterNames []string
	checkedParams  map[string]bool

	properties map[string]models.ToolParameters
	thresholds ThresholdMap

	Hallucination bool
	ErrorType     string
	ErrorMessage  string
	Checkpoints   []Checkpoint
}

// NewState builds a detector over the declared tools.
func NewState(tools []models.Tool, thresholds ThresholdMap) (*State, error) {
	if len(tools) == 0 {
		return nil, fmt.Errorf("no tool declarations provided")
	}
	properties := make(map[string]models.ToolParameters, len(tools))
	for _, tool := range tools {
		properties[tool.Function.Name] = tool.Function.Parameters
	}
	return &State{
		properties:    properties,
		thresholds:    thresholds,
		checkedParams: map[string]bool{},
	}, nil
}

// Ingest appends one token with the top-k log-probs of its position and
// advances the state machine. It reports whether a hallucination has been
// detected so far.
func (s *State) Ingest(token string, topLogProbs []float64) bool {
	s.tokens = append(s.tokens, token)
	s.logProbs = append(s.logProbs, topLogProbs)
	s.processToken()
	return s.Hallucination
}

// Tokens returns the tokens ingested so far.
func (s *State) Tokens() []string {
	return s.tokens
}

// Content returns the raw joined token text.
func (s *State) Content() string {
	return strings.Join(s.tokens, "")
}

// Mask returns the per-token mask. Its length always equals the number of
// ingested tokens.
func (s *State) Mask() []MaskKind {
	return s.mask
}

// FunctionName returns the function name parsed from the stream, if the
// name section has completed.
func (s *State) FunctionName() string {
	return s.functionName
}

// ParameterNames returns the parameter names parsed so far.
func (s *State) ParameterNames() []string {
	return s.parameterNames
}

func (s *State) processToken() {
	content := strings.ReplaceAll(strings.Join(s.tokens, ""), " ", "")
	token := s.tokens[len(s.tokens)-1]

	if token == toolCallToken {
		s.mask = append(s.mask, MaskToolCall)
		s.checkUncertainty()
	}

	// Function name section: mask tokens until an end token arrives, then
	// finalize the accumulated name.
	if s.phase == phaseFunctionName {
		if !contains(funcNameEndTokens, token) {
			s.mask = append(s.mask, MaskFunctionName)
		} else {
			s.phase = phaseNone
			s.finalizeFunctionName()
		}
	}
	if hasSuffixAny(content, funcNameStartPatterns) {
		s.phase = phaseFunctionName
	}

	// Parameter name section.
	switch {
	case s.phase == phaseParameterName && !hasSuffixAny(content, paramNameEndPatterns):
		s.mask = append(s.mask, MaskParameterName)
	case s.phase == phaseParameterName && hasSuffixAny(content, paramNameEndPatterns):
		s.phase = phaseNone
		s.parameterNameDone = true
		s.finalizeParameterName()
	case s.parameterNameDone && !s.openBracket && hasSuffixAny(content, paramNameStartPatterns):
		s.phase = phaseParameterName
	}
	if hasSuffixAny(content, firstParamNamePatterns) {
		s.phase = phaseParameterName
	}

	// Parameter value section. While a bracket opened inside the value is
	// unmatched, commas and quotes belong to the value and must not end it.
	switch {
	case s.phase == phaseParameterValue && !hasSuffixAny(content, paramValueEndPatterns):
		trimmed := strings.TrimSpace(token)
		s.trackBrackets(trimmed)

		if trimmed != "" && !allPunctuation(trimmed) {
			s.mask = append(s.mask, MaskParameterValue)
			s.maybeCheckFirstValueToken()
		} else {
			s.mask = append(s.mask, MaskUnused)
		}
	case s.phase == phaseParameterValue && !s.openBracket && hasSuffixAny(content, paramValueEndPatterns):
		s.phase = phaseNone
	case s.parameterNameDone && hasSuffixAny(content, paramValueStartSuffix):
		s.phase = phaseParameterValue
	}

	// Structural tokens that matched no section stay unused, keeping the
	// mask aligned with the token list.
	if len(s.mask) != len(s.tokens) {
		s.mask = append(s.mask, MaskUnused)
	}
}

func (s *State) trackBrackets(trimmed string) {
	for _, ch := range trimmed {
		if _, ok := bracketPairs[ch]; ok {
			s.openBracket = true
			s.bracket = ch
			break
		}
	}
	if s.openBracket && strings.ContainsRune(trimmed, bracketPairs[s.bracket]) {
		s.openBracket = false
		s.bracket = 0
	}
}

// maybeCheckFirstValueToken runs the uncertainty check on the first value
// token of a required parameter, at most once per parameter name.
func (s *State) maybeCheckFirstValueToken() {
	if len(s.mask) < 2 || s.mask[len(s.mask)-2] == MaskParameterValue {
		return
	}
	if len(s.parameterNames) == 0 {
		return
	}
	name := s.parameterNames[len(s.parameterNames)-1]
	if !s.isRequired(name) || s.checkedParams[name] {
		return
	}
	s.checkUncertainty()
	s.checkedParams[name] = true
}

func (s *State) isRequired(parameter string) bool {
	params, ok := s.properties[s.functionName]
	if !ok {
		return false
	}
	for _, required := range params.Required {
		if required == parameter {
			return true
		}
	}
	return false
}

func (s *State) checkUncertainty() {
	token := s.tokens[len(s.tokens)-1]
	u := CalculateUncertainty(s.logProbs[len(s.logProbs)-1])
	s.Checkpoints = append(s.Checkpoints, Checkpoint{
		Token:       token,
		Entropy:     u.Entropy,
		Varentropy:  u.Varentropy,
		Probability: u.Probability,
	})

	thresholds, ok := s.thresholds[s.mask[len(s.mask)-1]]
	if !ok {
		return
	}
	if u.Exceeds(thresholds) {
		s.Hallucination = true
		s.ErrorType = "Hallucination"
		s.ErrorMessage = fmt.Sprintf("Hallucination: token %q is uncertain.", token)
	}
}

// countTrailing counts how many mask entries of the given kind end the mask,
// excluding nothing; a different final kind yields zero.
func (s *State) countTrailing(kind MaskKind) int {
	n := 0
	for i := len(s.mask) - 1; i >= 0 && s.mask[i] == kind; i-- {
		n++
	}
	return n
}

func (s *State) finalizeFunctionName() {
	n := s.countTrailing(MaskFunctionName)
	s.functionName = joinTail(s.tokens[:len(s.tokens)-1], n)
}

func (s *State) finalizeParameterName() {
	n := s.countTrailing(MaskParameterName)
	s.parameterNames = append(s.parameterNames, joinTail(s.tokens[:len(s.tokens)-1], n))
}

// joinTail concatenates the last n elements of tokens.
func joinTail(tokens []string, n int) string {
	if n > len(tokens) {
		n = len(tokens)
	}
	return strings.Join(tokens[len(tokens)-n:], "")
}

func hasSuffixAny(s string, patterns []string) bool {
	for _, p := range patterns {
		if strings.HasSuffix(s, p) {
			return true
		}
	}
	return false
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func allPunctuation(s string) bool {
	for _, ch := range s {
		if !strings.ContainsRune(punctuation, ch) {
			return false
		}
	}
	return true
}
