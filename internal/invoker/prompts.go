package invoker

import (
	"fmt"

	"github.com/basket/arbiter/internal/debate"
)

// agentTemplateData is the rendering context for the opposing-agent prompt.
type agentTemplateData struct {
	Role          debate.Role
	Pair          debate.EntityPair
	ProfileA      string
	ProfileB      string
	Round         int
	CrossFeedback *debate.AgentOutput
}

const advocateSystemPrompt = `You are the advocate in an adversarial evaluation. ` +
	`Argue the strongest honest case FOR the pairing. Cite concrete evidence. ` +
	`If you find a genuinely disqualifying condition, set hard_exclusion and explain it.`

const skepticSystemPrompt = `You are the skeptic in an adversarial evaluation. ` +
	`Argue the strongest honest case AGAINST the pairing. Surface risks and gaps. ` +
	`If you find a genuinely disqualifying condition, set hard_exclusion and explain it.`

const synthesizerSystemPrompt = `You are the synthesizer. Merge the advocate's and skeptic's ` +
	`positions into one combined judgment with a clear rationale. Do not split the difference ` +
	`mechanically; weigh the evidence.`

func systemPromptForRole(role debate.Role, variant string) string {
	base := advocateSystemPrompt
	if role == debate.RoleSkeptic {
		base = skepticSystemPrompt
	}
	if variant != "" {
		base = fmt.Sprintf("%s\n\n[prompt variant: %s]", base, variant)
	}
	return base
}

const agentPromptTemplate = `Evaluate this pairing (kind: {{.Pair.Kind}}, round {{.Round}}).

## Entity A ({{.Pair.AID}})
{{.ProfileA}}

## Entity B ({{.Pair.BID}})
{{.ProfileB}}
{{if .CrossFeedback}}
## Opposing position from the previous round ({{.CrossFeedback.Role}})
Score: {{printf "%.0f" .CrossFeedback.Score}}, confidence {{printf "%.2f" .CrossFeedback.Confidence}}
{{range .CrossFeedback.Evidence}}- evidence: {{.}}
{{end}}{{range .CrossFeedback.Concerns}}- concern: {{.}}
{{end}}
Re-reason your own position independently in light of the above. Do not
average toward it; change your score only where their evidence genuinely
moves you.
{{end}}
Respond with your score (0-100), confidence (0-1), evidence, and concerns.`

const synthesisPromptTemplate = `Synthesize the round {{.Round}} positions for pairing {{.Pair.AID}} / {{.Pair.BID}} (kind: {{.Pair.Kind}}).

## Advocate
Score: {{printf "%.0f" .Advocate.Score}}, confidence {{printf "%.2f" .Advocate.Confidence}}
{{range .Advocate.Evidence}}- evidence: {{.}}
{{end}}{{range .Advocate.Concerns}}- concern: {{.}}
{{end}}
## Skeptic
Score: {{printf "%.0f" .Skeptic.Score}}, confidence {{printf "%.2f" .Skeptic.Confidence}}
{{range .Skeptic.Evidence}}- evidence: {{.}}
{{end}}{{range .Skeptic.Concerns}}- concern: {{.}}
{{end}}
Produce the combined score, confidence, rationale, talking points, and concerns.`
