package models

const (
	DocumentBeginMarker = `\begin{document}`
	DocumentEndMarker   = `\end{document}`
	DocumentClassMarker = `\documentclass`

	// SectionRegex matches a \section, \subsection or \subsubsection command,
	// starred or not, up to and including the opening brace of its title.
	SectionRegex = `\\(?:sub){0,2}section\*?\s*(?:\[[^\]]*\])?\s*\{`
	// CaptionBlockRegex matches a whole figure or table float, caption included.
	CaptionBlockRegex = `(?s)\\begin\{(?:figure|table)\*?\}.*?\\end\{(?:figure|table)\*?\}`

	ContextSeparator = " "
)

// Prompts sent to the chat-completion provider.
const (
	SystemPrompt = "You are a helpful scientific research assistant. You can write equations in LaTeX. " +
		"You can fix any unknown LaTeX syntax elements. Do not use the \\enumerate or \\itemize LaTeX environments -- " +
		"write text bullet points. Only answer when you are confident in the answer. " +
		"Never make up facts, references or the expansion of an acronym."

	ContextPromptTemplate = "Use this context to answer the question at the end. " +
		"If the context is not relevant to the question, do not use it. %s. Question: %s"

	QuestionPromptTemplate = "Question: %s"
)

// User-facing replies. Callers always get one of these or an answer.
const (
	MsgEmptyQuery      = "Please enter your question above, and I'll do my best to help you."
	MsgQueryTooLong    = "Please ask a shorter question!"
	MsgAuthError       = "Sorry, there was an authentication error. Please check your API key."
	MsgAPIError        = "Sorry, there was an API error or timeout. Please try again later."
	MsgConnectionError = "Sorry, there was a connection issue. Please check your network and try again."
	MsgUnknownError    = "Sorry, an unknown error occurred. Please try again."
)
