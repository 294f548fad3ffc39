package symbolize

// CapturedContext is the platform-native CPU context captured at a hook
// site, treated as an opaque blob except for the three registers the
// stack walker actually needs. Raw holds the full CONTEXT struct bytes
// as captured in the target, for walkers that need more than
// PC/Frame/Stack.
type CapturedContext struct {
	PC       uintptr
	FramePtr uintptr
	StackPtr uintptr
	Raw      []byte
}
