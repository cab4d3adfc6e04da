package workflow

import (
	"fmt"

	"github.com/jortega/docagent/pkg/types"
)

const answerTemplate = `You are a documentation assistant. Answer the question using only the
context below. If the context does not cover the question, say so plainly
instead of guessing.

%s

Question: %s

Answer:`

const clarificationTemplate = `You are a documentation assistant. The user is asking you to re-explain
something from the conversation below. Restate the relevant answer in
simpler terms.

%s

Request: %s

Answer:`

const clarificationEmptyTemplate = `You are a documentation assistant. The user asked for clarification but
there is no prior conversation to clarify. Ask them to pose a more
specific question about the documentation.

Request: %s

Answer:`

const outOfScopeTemplate = `You are a documentation assistant. The question below is unrelated to the
indexed documentation. %s
Briefly explain that it is outside the documentation's scope; you may give
a short general answer if one exists, but do not invent documentation
content.

Question: %s

Answer:`

// buildPrompt renders the generation prompt for the intent's path.
func buildPrompt(intent types.Intent, contextText, message string, historyEmpty bool) string {
	switch intent {
	case types.IntentOutOfScope:
		return fmt.Sprintf(outOfScopeTemplate, noContextMarker, message)
	case types.IntentClarification:
		if historyEmpty {
			return fmt.Sprintf(clarificationEmptyTemplate, message)
		}
		return fmt.Sprintf(clarificationTemplate, contextText, message)
	default:
		return fmt.Sprintf(answerTemplate, contextText, message)
	}
}
