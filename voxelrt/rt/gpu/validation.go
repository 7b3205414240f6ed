package gpu

import (
	"fmt"

	"go.uber.org/multierr"
)

// bufferAccess is one use of a buffer by a command.
type bufferAccess struct {
	buffer Buffer
	access Access
	stage  Stage
}

// hazardState tracks the last unfenced write to a buffer and which later
// stages/accesses a barrier has made it visible to.
type hazardState struct {
	written       bool
	writeStage    Stage
	writeAccess   Access
	visibleStages Stage
	visibleAccess Access
}

// Accesses lists the buffer accesses a command performs.
func (c Command) accesses() []bufferAccess {
	switch c.Kind {
	case CommandCopy:
		return []bufferAccess{
			{buffer: c.Src, access: AccessTransferRead, stage: StageTransfer},
			{buffer: c.Dst, access: AccessTransferWrite, stage: StageTransfer},
		}
	case CommandDispatch, CommandDispatchIndirect:
		var out []bufferAccess
		if c.Kind == CommandDispatchIndirect {
			out = append(out, bufferAccess{buffer: c.Indirect, access: AccessIndirectRead, stage: StageDrawIndirect})
		}
		if c.Pipeline == nil || c.BindGroup == nil {
			return out
		}
		bufs := c.BindGroup.Buffers()
		for i, b := range c.Pipeline.Kernel().Bindings {
			if i < len(bufs) {
				out = append(out, bufferAccess{buffer: bufs[i], access: b.Access, stage: StageComputeShader})
			}
		}
		return out
	}
	return nil
}

// Validate walks a recorded command list and reports every access that reads
// or overwrites a buffer whose previous write was not made visible to it by a
// barrier. Write-after-read is not tracked.
func Validate(commands []Command) error {
	states := make(map[Buffer]*hazardState)
	var err error

	for i, c := range commands {
		if c.Kind == CommandBarrier {
			for _, b := range c.Barriers {
				st, ok := states[b.Buffer]
				if !ok || !st.written {
					continue
				}
				if c.SrcStage&st.writeStage == 0 || b.SrcAccess&st.writeAccess == 0 {
					continue
				}
				st.visibleStages |= c.DstStage
				st.visibleAccess |= b.DstAccess
			}
			continue
		}

		accesses := c.accesses()
		for _, a := range accesses {
			if a.buffer == nil {
				continue
			}
			st, ok := states[a.buffer]
			if ok && st.written {
				if st.visibleStages&a.stage == 0 || st.visibleAccess&a.access != a.access {
					kind := "read-after-write"
					if a.access.Writes() {
						kind = "write-after-write"
					}
					err = multierr.Append(err, fmt.Errorf("%w: %s on %q at command %d (%s)",
						ErrHazard, kind, a.buffer.Label(), i, c.label()))
				}
			}
		}
		// Record writes after checking the whole command so a read-write
		// binding does not conflict with itself.
		for _, a := range accesses {
			if a.buffer == nil || !a.access.Writes() {
				continue
			}
			st, ok := states[a.buffer]
			if !ok {
				st = &hazardState{}
				states[a.buffer] = st
			}
			st.written = true
			st.writeStage = a.stage
			st.writeAccess = a.access & writeAccesses
			st.visibleStages = 0
			st.visibleAccess = 0
		}
	}
	return err
}
