package elicitation

import "context"

// Choice is the user's answer to a Surface prompt.
type Choice int

const (
	// ChoiceDismissed means the prompt closed without either action.
	ChoiceDismissed Choice = iota
	ChoiceAccept
	ChoiceDecline
)

// Prompt is the affirmative/negative notice shown before a flow.
type Prompt struct {
	Server       string
	Mode         Mode
	Message      string
	URL          string
	AcceptLabel  string
	DeclineLabel string
}

// Surface shows a Prompt and reports which action was taken. Implementations
// must release whatever they display once ctx is done.
type Surface interface {
	Show(ctx context.Context, p Prompt) (Choice, error)
}

// Conversation is an inline surface tied to a chat that may or may not be
// active.
type Conversation interface {
	Surface
	Active() bool
}

// StepKind is what the user did on one field.
type StepKind int

const (
	StepValue StepKind = iota
	StepBack
	StepNone
	StepCancel
)

// Step is the answer to one Question.
type Step struct {
	Kind   StepKind
	Text   string
	Picked []int
}

// Question asks for one field.
type Question struct {
	Server string
	Field  Field
	Index  int
	Total  int
	// Initial is the last text entered for the field.
	Initial string
	// Selected are the last options picked for the field.
	Selected []int
	// Problem is set when the previous answer was rejected.
	Problem   string
	CanGoBack bool
	// Optional fields offer a "none" choice that clears the field.
	Optional bool
	Validate func(string) error
}

// Prompter asks the user for field values.
type Prompter interface {
	// Pick asks a boolean or enumerated field. Multi-valued fields may pick
	// any number of options.
	Pick(ctx context.Context, q Question) (Step, error)
	// Input asks a free-form field.
	Input(ctx context.Context, q Question) (Step, error)
}

// URLOpener opens a URL outside the host, typically in a browser.
type URLOpener interface {
	Open(ctx context.Context, url string) error
}
