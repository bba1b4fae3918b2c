package nodes

import "github.com/mirelabs/fable/internal/flow"

// All returns the built-in node registrations in registration order.
func All() []flow.Registration {
	return []flow.Registration{
		{Name: "LLMChat", Factory: NewLLMChat},
		{Name: "Code", Factory: NewCode},
		{Name: "ReadState", Factory: NewReadState},
		{Name: "WriteState", Factory: NewWriteState},
		{Name: "IncrementCounter", Factory: NewIncrementCounter},
		{Name: "Map", Factory: NewMap},
		{Name: "Filter", Factory: NewFilter},
		{Name: "Merge", Factory: NewMerge},
		{Name: "Split", Factory: NewSplit},
	}
}
