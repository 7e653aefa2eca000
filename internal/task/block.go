package task

// Block is what the runner drives: the trial machine or the classic table.
type Block interface {
	Start()
	HandleKey(KeyEvent)
	Abort(reason string)
	State() State
	Done() bool
	Result() Result
}

var (
	_ Block = (*Machine)(nil)
	_ Block = (*Classic)(nil)
)
