package gpu

import "fmt"

type CommandKind int

const (
	CommandCopy CommandKind = iota
	CommandDispatch
	CommandDispatchIndirect
	CommandBarrier
)

func (k CommandKind) String() string {
	switch k {
	case CommandCopy:
		return "copy"
	case CommandDispatch:
		return "dispatch"
	case CommandDispatchIndirect:
		return "dispatch-indirect"
	case CommandBarrier:
		return "barrier"
	}
	return fmt.Sprintf("command(%d)", int(k))
}

// Command is one recorded operation. Only the fields relevant to Kind are set.
type Command struct {
	Kind CommandKind

	Src, Dst             Buffer
	SrcOffset, DstOffset uint64
	Size                 uint64

	Pipeline       Pipeline
	BindGroup      BindGroup
	Groups         [3]uint32
	Indirect       Buffer
	IndirectOffset uint64

	SrcStage, DstStage Stage
	Barriers           []BufferBarrier
}

func (c Command) label() string {
	switch c.Kind {
	case CommandDispatch, CommandDispatchIndirect:
		if c.Pipeline != nil {
			return fmt.Sprintf("%s %q", c.Kind, c.Pipeline.Kernel().Label)
		}
	case CommandCopy:
		if c.Src != nil && c.Dst != nil {
			return fmt.Sprintf("copy %q -> %q", c.Src.Label(), c.Dst.Label())
		}
	}
	return c.Kind.String()
}

// Recorder is the backend-independent CommandBuffer. Backends translate its
// command list at submit time.
type Recorder struct {
	queue    Queue
	commands []Command
	ended    bool
}

func NewRecorder(q Queue) *Recorder {
	return &Recorder{queue: q}
}

func (r *Recorder) Queue() Queue { return r.queue }

func (r *Recorder) Commands() []Command { return r.commands }

func (r *Recorder) Ended() bool { return r.ended }

func (r *Recorder) record(c Command) {
	if r.ended {
		panic(ErrAlreadyEnded)
	}
	r.commands = append(r.commands, c)
}

func (r *Recorder) CopyBuffer(src Buffer, srcOffset uint64, dst Buffer, dstOffset uint64, size uint64) {
	r.record(Command{
		Kind:      CommandCopy,
		Src:       src,
		SrcOffset: srcOffset,
		Dst:       dst,
		DstOffset: dstOffset,
		Size:      size,
	})
}

func (r *Recorder) Dispatch(p Pipeline, bg BindGroup, x, y, z uint32) {
	r.record(Command{
		Kind:      CommandDispatch,
		Pipeline:  p,
		BindGroup: bg,
		Groups:    [3]uint32{x, y, z},
	})
}

func (r *Recorder) DispatchIndirect(p Pipeline, bg BindGroup, indirect Buffer, offset uint64) {
	r.record(Command{
		Kind:           CommandDispatchIndirect,
		Pipeline:       p,
		BindGroup:      bg,
		Indirect:       indirect,
		IndirectOffset: offset,
	})
}

func (r *Recorder) PipelineBarrier(src, dst Stage, barriers ...BufferBarrier) {
	r.record(Command{
		Kind:     CommandBarrier,
		SrcStage: src,
		DstStage: dst,
		Barriers: append([]BufferBarrier(nil), barriers...),
	})
}

// End closes the recording and validates that every read-after-write and
// write-after-write on a buffer is covered by a barrier.
func (r *Recorder) End() error {
	if r.ended {
		return ErrAlreadyEnded
	}
	r.ended = true
	return Validate(r.commands)
}
