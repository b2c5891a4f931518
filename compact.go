package sieve

import (
	"fmt"

	"github.com/openfluke/webgpu/wgpu"

	"github.com/openfluke/sieve/gpu"
)

// Compact removes the zero-valued elements of input, preserving the relative
// order of the survivors, and returns them together with their number.
//
// The pipeline runs entirely on the GPU: a predicate kernel flags non-zero
// elements, the flags are exclusive-scanned to obtain each survivor's
// destination slot, and a scatter kernel writes the survivors there. The
// count is derived from the last flag plus the last scanned value.
func Compact(input []int32, opts ...Option) ([]int32, int, error) {
	o := buildOptions(opts)
	n := len(input)
	if n == 0 {
		return []int32{}, 0, nil
	}

	ctx, err := gpu.GetContext()
	if err != nil {
		return nil, 0, fmt.Errorf("gpu unavailable: %w", err)
	}

	s, err := newScanner(ctx, o)
	if err != nil {
		return nil, 0, err
	}
	defer s.cleanup()

	if err := s.checkInputSize(n); err != nil {
		return nil, 0, err
	}

	data, err := gpu.NewIntBuffer("Compact_In", input, wgpu.BufferUsageStorage)
	if err != nil {
		return nil, 0, err
	}
	s.track(data)

	flags, err := gpu.NewEmptyBuffer("Compact_Flags", n,
		wgpu.BufferUsageStorage|wgpu.BufferUsageCopySrc)
	if err != nil {
		return nil, 0, err
	}
	s.track(flags)

	offsets, err := gpu.NewEmptyBuffer("Compact_Offsets", n,
		wgpu.BufferUsageStorage|wgpu.BufferUsageCopySrc|wgpu.BufferUsageCopyDst)
	if err != nil {
		return nil, 0, err
	}
	s.track(offsets)

	out, err := gpu.NewEmptyBuffer("Compact_Out", n,
		wgpu.BufferUsageStorage|wgpu.BufferUsageCopySrc)
	if err != nil {
		return nil, 0, err
	}
	s.track(out)

	mk := &maskKernel{n: uint32(n), wg: s.wg}
	if err := mk.compile(ctx, "Compact_Mask"); err != nil {
		return nil, 0, err
	}
	if err := mk.bind(ctx, "Compact_Mask", data, flags); err != nil {
		return nil, 0, err
	}
	s.own(mk)

	sk := &scatterKernel{n: uint32(n), wg: s.wg}
	if err := sk.compile(ctx, "Compact_Scatter"); err != nil {
		return nil, 0, err
	}
	if err := sk.bind(ctx, "Compact_Scatter", data, flags, offsets, out); err != nil {
		return nil, 0, err
	}
	s.own(sk)

	// One submission, passes in phase order: mask, copy, scan, scatter.
	enc, err := ctx.Device.CreateCommandEncoder(nil)
	if err != nil {
		return nil, 0, fmt.Errorf("create command encoder: %w", err)
	}

	elemGroups := (uint32(n) + s.wg - 1) / s.wg

	pass := enc.BeginComputePass(nil)
	mk.dispatch(pass, elemGroups)
	pass.End()

	// The scan runs in place, so the flags survive in their own buffer for
	// the scatter and the count.
	enc.CopyBufferToBuffer(flags, 0, offsets, 0, uint64(n)*4)

	if err := s.encodeScan(enc, offsets, uint32(n), "Compact_Scan"); err != nil {
		return nil, 0, err
	}

	pass = enc.BeginComputePass(nil)
	sk.dispatch(pass, elemGroups)
	pass.End()

	cmd, err := enc.Finish(nil)
	if err != nil {
		return nil, 0, fmt.Errorf("finish command: %w", err)
	}
	ctx.Queue.Submit(cmd)

	lastFlag, err := gpu.ReadIntRange(flags, n-1, 1)
	if err != nil {
		return nil, 0, err
	}
	lastOffset, err := gpu.ReadIntRange(offsets, n-1, 1)
	if err != nil {
		return nil, 0, err
	}

	count := int(lastFlag[0] + lastOffset[0])
	if count < 0 || count > n {
		return nil, 0, fmt.Errorf("inconsistent compaction count %d for %d elements", count, n)
	}
	s.logger.Debug("compacted", "n", n, "count", count)
	if count == 0 {
		return []int32{}, 0, nil
	}

	result, err := gpu.ReadIntBuffer(out, count)
	if err != nil {
		return nil, 0, err
	}
	return result, count, nil
}

// maskKernel flags non-zero elements with 1. Each element is independent, so
// one thread per element and no synchronization.
type maskKernel struct {
	n  uint32
	wg uint32

	pipeline  *wgpu.ComputePipeline
	bindGroup *wgpu.BindGroup
}

func (k *maskKernel) shader() string {
	return fmt.Sprintf(`
		@group(0) @binding(0) var<storage, read> input : array<i32>;
		@group(0) @binding(1) var<storage, read_write> flags : array<i32>;

		const N: u32 = %du;

		@compute @workgroup_size(%d)
		fn main(@builtin(global_invocation_id) global_id: vec3<u32>) {
			let i = global_id.x;
			if (i < N) {
				flags[i] = select(0, 1, input[i] != 0);
			}
		}
	`, k.n, k.wg)
}

func (k *maskKernel) compile(ctx *gpu.Context, label string) error {
	module, err := ctx.Device.CreateShaderModule(&wgpu.ShaderModuleDescriptor{
		Label:          label + "_Shader",
		WGSLDescriptor: &wgpu.ShaderModuleWGSLDescriptor{Code: k.shader()},
	})
	if err != nil {
		return err
	}

	k.pipeline, err = ctx.Device.CreateComputePipeline(&wgpu.ComputePipelineDescriptor{
		Label:   label + "_Pipe",
		Compute: wgpu.ProgrammableStageDescriptor{Module: module, EntryPoint: "main"},
	})
	return err
}

func (k *maskKernel) bind(ctx *gpu.Context, label string, input, flags *wgpu.Buffer) error {
	var err error
	entries := []wgpu.BindGroupEntry{
		{Binding: 0, Buffer: input, Size: input.GetSize()},
		{Binding: 1, Buffer: flags, Size: flags.GetSize()},
	}
	k.bindGroup, err = ctx.Device.CreateBindGroup(&wgpu.BindGroupDescriptor{
		Label:   label + "_Bind",
		Layout:  k.pipeline.GetBindGroupLayout(0),
		Entries: entries,
	})
	return err
}

func (k *maskKernel) dispatch(pass *wgpu.ComputePassEncoder, groups uint32) {
	pass.SetPipeline(k.pipeline)
	pass.SetBindGroup(0, k.bindGroup, nil)
	pass.DispatchWorkgroups(groups, 1, 1)
}

func (k *maskKernel) cleanup() {
	if k.pipeline != nil {
		k.pipeline.Release()
	}
	if k.bindGroup != nil {
		k.bindGroup.Release()
	}
}

// scatterKernel writes each flagged element to its scanned destination slot.
// Destinations are pairwise disjoint, so the writes need no synchronization
// among themselves; the pass boundary orders them after the scan.
type scatterKernel struct {
	n  uint32
	wg uint32

	pipeline  *wgpu.ComputePipeline
	bindGroup *wgpu.BindGroup
}

func (k *scatterKernel) shader() string {
	return fmt.Sprintf(`
		@group(0) @binding(0) var<storage, read> input : array<i32>;
		@group(0) @binding(1) var<storage, read> flags : array<i32>;
		@group(0) @binding(2) var<storage, read> offsets : array<i32>;
		@group(0) @binding(3) var<storage, read_write> output : array<i32>;

		const N: u32 = %du;

		@compute @workgroup_size(%d)
		fn main(@builtin(global_invocation_id) global_id: vec3<u32>) {
			let i = global_id.x;
			if (i < N && flags[i] == 1) {
				output[u32(offsets[i])] = input[i];
			}
		}
	`, k.n, k.wg)
}

func (k *scatterKernel) compile(ctx *gpu.Context, label string) error {
	module, err := ctx.Device.CreateShaderModule(&wgpu.ShaderModuleDescriptor{
		Label:          label + "_Shader",
		WGSLDescriptor: &wgpu.ShaderModuleWGSLDescriptor{Code: k.shader()},
	})
	if err != nil {
		return err
	}

	k.pipeline, err = ctx.Device.CreateComputePipeline(&wgpu.ComputePipelineDescriptor{
		Label:   label + "_Pipe",
		Compute: wgpu.ProgrammableStageDescriptor{Module: module, EntryPoint: "main"},
	})
	return err
}

func (k *scatterKernel) bind(ctx *gpu.Context, label string, input, flags, offsets, output *wgpu.Buffer) error {
	var err error
	entries := []wgpu.BindGroupEntry{
		{Binding: 0, Buffer: input, Size: input.GetSize()},
		{Binding: 1, Buffer: flags, Size: flags.GetSize()},
		{Binding: 2, Buffer: offsets, Size: offsets.GetSize()},
		{Binding: 3, Buffer: output, Size: output.GetSize()},
	}
	k.bindGroup, err = ctx.Device.CreateBindGroup(&wgpu.BindGroupDescriptor{
		Label:   label + "_Bind",
		Layout:  k.pipeline.GetBindGroupLayout(0),
		Entries: entries,
	})
	return err
}

func (k *scatterKernel) dispatch(pass *wgpu.ComputePassEncoder, groups uint32) {
	pass.SetPipeline(k.pipeline)
	pass.SetBindGroup(0, k.bindGroup, nil)
	pass.DispatchWorkgroups(groups, 1, 1)
}

func (k *scatterKernel) cleanup() {
	if k.pipeline != nil {
		k.pipeline.Release()
	}
	if k.bindGroup != nil {
		k.bindGroup.Release()
	}
}
