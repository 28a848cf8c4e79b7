package deliberation

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

const decomposePromptTemplate = `You are planning a structured expert deliberation.

Decision problem:
%s

Break the problem into 1-4 atomic sub-problems that can be deliberated in
order. Output ONLY a JSON array, no markdown fences:
[{"id": "sp-1", "goal": "...", "depends_on": []}]`

const panelPromptTemplate = `You are assembling a panel of expert viewpoints for a deliberation.

Decision problem:
%s

Sub-problems:
%s

Propose %d to %d distinct expert personas. Output ONLY a JSON array:
[{"code": "econ", "display_name": "...", "archetype": "...", "domain_tags": ["..."]}]`

const facilitatorPromptTemplate = `You are facilitating round %d of an expert deliberation.

Sub-problem goal: %s
Mean agreement last round: %.2f
Drift flags so far: %d%s

Recent contributions:
%s

Choose the next action. Output ONLY a JSON object:
{"action": "continue" | "moderate" | "research" | "vote" | "clarify",
 "reason": "...",
 "question": "only for clarify",
 "default_choice": "only for clarify"}`

const moderatorPromptTemplate = `You are moderating an expert deliberation that is drifting off-topic.

Sub-problem goal: %s

Recent contributions:
%s

Write a short intervention that refocuses the panel on the stated goal and
names what each viewpoint should address next.`

const researchPromptTemplate = `You are a neutral researcher supporting an expert deliberation.

Sub-problem goal: %s

Open questions raised so far:
%s

Summarize the factual background the panel needs. Be concrete and cite the
assumptions you are making.`

const votePromptTemplate = `The deliberation on this sub-problem is closing.

Sub-problem goal: %s

Your prior contributions:
%s

State your final position. Output ONLY a JSON object:
{"position": "...", "rationale": "..."}`

const synthesisPromptTemplate = `You are synthesizing an expert deliberation into a recommendation.

Sub-problem goal: %s

Final positions:
%s

Contributions:
%s

Write a synthesized recommendation: the decision, the strongest argument
for it, the strongest unresolved objection, and conditions that would
change the answer.`

const metaSynthesisPromptTemplate = `You are producing the final recommendation of a multi-part deliberation.

Decision problem:
%s

Per-sub-problem syntheses:
%s

Combine them into one coherent recommendation for the overall problem,
noting any tension between sub-problem conclusions.`

func buildDecomposePrompt(problem string) string {
	return fmt.Sprintf(decomposePromptTemplate, problem)
}

func buildPanelPrompt(problem string, subProblems []SubProblem, minSize, maxSize int) string {
	var goals []string
	for _, sp := range subProblems {
		goals = append(goals, fmt.Sprintf("- %s: %s", sp.ID, sp.Goal))
	}
	return fmt.Sprintf(panelPromptTemplate, problem, strings.Join(goals, "\n"), minSize, maxSize)
}

func buildFacilitatorPrompt(st *State, recent []Contribution, driftSignalCount int) string {
	signal := ""
	if driftSignalCount > 0 && st.DriftFlags >= driftSignalCount {
		signal = "\nThe discussion has drifted off-topic repeatedly. Moderate or refocus it before continuing."
	}
	return fmt.Sprintf(facilitatorPromptTemplate,
		st.Round, st.Active().Goal, st.ConvergenceScore, st.DriftFlags, signal,
		renderContributions(recent, 400))
}

func buildModeratorPrompt(goal string, recent []Contribution) string {
	return fmt.Sprintf(moderatorPromptTemplate, goal, renderContributions(recent, 400))
}

func buildResearchPrompt(goal string, recent []Contribution) string {
	return fmt.Sprintf(researchPromptTemplate, goal, renderContributions(recent, 400))
}

func buildVotePrompt(goal string, own []Contribution) string {
	return fmt.Sprintf(votePromptTemplate, goal, renderContributions(own, 400))
}

func buildSynthesisPrompt(goal string, votes []Vote, contributions []Contribution) string {
	var positions []string
	for _, v := range votes {
		positions = append(positions, fmt.Sprintf("- %s: %s (%s)", v.Participant, v.Position, v.Rationale))
	}
	if len(positions) == 0 {
		positions = append(positions, "(no voting round was held)")
	}
	return fmt.Sprintf(synthesisPromptTemplate, goal,
		strings.Join(positions, "\n"), renderContributions(contributions, 600))
}

func buildMetaSynthesisPrompt(problem string, subProblems []SubProblem) string {
	var parts []string
	for _, sp := range subProblems {
		if sp.Synthesis != "" {
			parts = append(parts, fmt.Sprintf("## %s\n%s", sp.Goal, sp.Synthesis))
		}
	}
	return fmt.Sprintf(metaSynthesisPromptTemplate, problem, strings.Join(parts, "\n\n"))
}

// personaSystemPrompt frames a panel member's viewpoint for its calls.
func personaSystemPrompt(p Participant, goal string) string {
	return fmt.Sprintf(`You are %s, %s. Domains: %s.
You are one voice on an expert panel deliberating: %s
Argue from your viewpoint. Engage with the other panelists' points. Be
specific and keep your contribution under 250 words.`,
		p.DisplayName, p.Archetype, strings.Join(p.DomainTags, ", "), goal)
}

func buildContributionPrompt(st *State, p Participant, phase string) string {
	recent := renderContributions(lastN(st.SubProblemContributions(st.Active().ID), 2*len(st.Panel)), 300)
	if phase == phaseInitial {
		return fmt.Sprintf("Sub-problem: %s\n\nGive your opening position.", st.Active().Goal)
	}
	return fmt.Sprintf("Sub-problem: %s\n\nDiscussion so far:\n%s\n\nRespond for round %d: advance, refine, or rebut.",
		st.Active().Goal, recent, st.Round)
}

func renderContributions(contributions []Contribution, limit int) string {
	if len(contributions) == 0 {
		return "(none yet)"
	}
	var b strings.Builder
	for _, c := range contributions {
		text := truncate(c.Text, limit)
		fmt.Fprintf(&b, "[round %d, %s] %s: %s\n", c.Round, c.Phase, c.Participant, text)
	}
	return b.String()
}

// truncate cuts text to at most limit bytes without splitting a rune.
func truncate(text string, limit int) string {
	if len(text) <= limit {
		return text
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	return text[:cut] + "..."
}

func lastN(contributions []Contribution, n int) []Contribution {
	if len(contributions) <= n {
		return contributions
	}
	return contributions[len(contributions)-n:]
}
