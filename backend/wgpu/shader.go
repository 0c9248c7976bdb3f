package wgpu

import (
	_ "embed"
	"fmt"

	"github.com/gogpu/naga"
	"github.com/gogpu/wgpu/hal"
	types "github.com/gogpu/gputypes"
)

//go:embed shaders/traverse.wgsl
var traverseShaderWGSL string

// traversalPipeline holds the compiled device-side traversal kernel: the
// WGSL source compiled through naga, its shader module, and the compute
// pipeline over the heap/dispatch bind layout.
type traversalPipeline struct {
	module     hal.ShaderModule
	bindLayout hal.BindGroupLayout
	layout     hal.PipelineLayout
	pipeline   hal.ComputePipeline

	spirv []uint32
}

// newTraversalPipeline compiles the traversal shader and builds its
// pipeline on device.
func newTraversalPipeline(device hal.Device) (*traversalPipeline, error) {
	spirvBytes, err := naga.Compile(traverseShaderWGSL)
	if err != nil {
		return nil, fmt.Errorf("wgpu: compile traversal shader: %w", err)
	}
	tp := &traversalPipeline{spirv: make([]uint32, len(spirvBytes)/4)}
	for i := range tp.spirv {
		tp.spirv[i] = uint32(spirvBytes[i*4]) |
			uint32(spirvBytes[i*4+1])<<8 |
			uint32(spirvBytes[i*4+2])<<16 |
			uint32(spirvBytes[i*4+3])<<24
	}

	module, err := device.CreateShaderModule(&hal.ShaderModuleDescriptor{
		Label: "rtfallback_traverse",
		Source: hal.ShaderSource{
			SPIRV: tp.spirv,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("wgpu: create traversal module: %w", err)
	}
	tp.module = module

	bindLayout, err := device.CreateBindGroupLayout(&hal.BindGroupLayoutDescriptor{
		Label: "rtfallback_traverse_layout",
		Entries: []types.BindGroupLayoutEntry{
			{
				Binding:    0,
				Visibility: types.ShaderStageCompute,
				Buffer: &types.BufferBindingLayout{
					Type:           types.BufferBindingTypeUniform,
					MinBindingSize: 32, // sizeof(DispatchConstants)
				},
			},
			{
				Binding:    1,
				Visibility: types.ShaderStageCompute,
				Buffer: &types.BufferBindingLayout{
					Type: types.BufferBindingTypeReadOnlyStorage,
				},
			},
			{
				Binding:    2,
				Visibility: types.ShaderStageCompute,
				Buffer: &types.BufferBindingLayout{
					Type: types.BufferBindingTypeReadOnlyStorage,
				},
			},
			{
				Binding:    3,
				Visibility: types.ShaderStageCompute,
				Buffer: &types.BufferBindingLayout{
					Type: types.BufferBindingTypeStorage,
				},
			},
		},
	})
	if err != nil {
		tp.destroy(device)
		return nil, fmt.Errorf("wgpu: create traversal bind layout: %w", err)
	}
	tp.bindLayout = bindLayout

	layout, err := device.CreatePipelineLayout(&hal.PipelineLayoutDescriptor{
		Label:            "rtfallback_traverse_pipeline_layout",
		BindGroupLayouts: []hal.BindGroupLayout{bindLayout},
	})
	if err != nil {
		tp.destroy(device)
		return nil, fmt.Errorf("wgpu: create traversal pipeline layout: %w", err)
	}
	tp.layout = layout

	pipeline, err := device.CreateComputePipeline(&hal.ComputePipelineDescriptor{
		Label:  "rtfallback_traverse_pipeline",
		Layout: layout,
		Compute: hal.ComputeState{
			Module:     module,
			EntryPoint: "cs_trace",
		},
	})
	if err != nil {
		tp.destroy(device)
		return nil, fmt.Errorf("wgpu: create traversal pipeline: %w", err)
	}
	tp.pipeline = pipeline
	return tp, nil
}

// destroy releases the pipeline's device resources.
func (tp *traversalPipeline) destroy(device hal.Device) {
	if tp.pipeline != nil {
		device.DestroyComputePipeline(tp.pipeline)
		tp.pipeline = nil
	}
	if tp.layout != nil {
		device.DestroyPipelineLayout(tp.layout)
		tp.layout = nil
	}
	if tp.bindLayout != nil {
		device.DestroyBindGroupLayout(tp.bindLayout)
		tp.bindLayout = nil
	}
	if tp.module != nil {
		device.DestroyShaderModule(tp.module)
		tp.module = nil
	}
}
