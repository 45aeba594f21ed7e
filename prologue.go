package refunc

// PrologueType represents the type of function prologue.
type PrologueType string

// Recognized amd64 prologue patterns.
const (
	PrologueClassic        PrologueType = "classic"
	PrologueNoFramePointer PrologueType = "no-frame-pointer"
	ProloguePushOnly       PrologueType = "push-only"
	PrologueLEABased       PrologueType = "lea-based"
)

// Recognized arm64 prologue patterns.
const (
	PrologueSTPFramePair PrologueType = "stp-frame-pair"
	PrologueSTPOnly      PrologueType = "stp-only"
	PrologueSubSP        PrologueType = "sub-sp"
	PrologueSaveLR       PrologueType = "save-lr"
	ProloguePAC          PrologueType = "pac"
)

// Prologue represents a detected function prologue.
type Prologue struct {
	Address      uint64       `json:"address"`
	Type         PrologueType `json:"type"`
	Instructions string       `json:"instructions"`
}
