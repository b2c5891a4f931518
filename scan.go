package sieve

import (
	"fmt"
	"log/slog"

	"github.com/openfluke/webgpu/wgpu"

	"github.com/openfluke/sieve/gpu"
)

// Scan computes the exclusive prefix sum of input under addition:
// result[0] = 0 and result[i] = input[0] + ... + input[i-1].
//
// The scan runs on the GPU as a work-efficient two-phase tree scan. Inputs
// larger than one workgroup tile are handled hierarchically: each workgroup
// scans its own tile, the per-tile totals are scanned recursively, and a final
// pass adds each tile's base offset back in.
func Scan(input []int32, opts ...Option) ([]int32, error) {
	o := buildOptions(opts)
	n := len(input)
	if n == 0 {
		return []int32{}, nil
	}

	ctx, err := gpu.GetContext()
	if err != nil {
		return nil, fmt.Errorf("gpu unavailable: %w", err)
	}

	s, err := newScanner(ctx, o)
	if err != nil {
		return nil, err
	}
	defer s.cleanup()

	if err := s.checkInputSize(n); err != nil {
		return nil, err
	}

	data, err := gpu.NewIntBuffer("Scan_Data", input,
		wgpu.BufferUsageStorage|wgpu.BufferUsageCopySrc|wgpu.BufferUsageCopyDst)
	if err != nil {
		return nil, err
	}
	s.track(data)

	enc, err := ctx.Device.CreateCommandEncoder(nil)
	if err != nil {
		return nil, fmt.Errorf("create command encoder: %w", err)
	}
	if err := s.encodeScan(enc, data, uint32(n), "Scan_L0"); err != nil {
		return nil, err
	}
	cmd, err := enc.Finish(nil)
	if err != nil {
		return nil, fmt.Errorf("finish command: %w", err)
	}
	ctx.Queue.Submit(cmd)

	return gpu.ReadIntBuffer(data, n)
}

// kernel is anything owning a compiled pipeline and bind group.
type kernel interface {
	cleanup()
}

// scanner owns the per-call device resources of one scan or compact
// invocation. Nothing in it survives the call: cleanup releases every
// pipeline, bind group and buffer on all exit paths.
type scanner struct {
	ctx  *gpu.Context
	wg   uint32 // threads per workgroup
	tile uint32 // elements scanned per workgroup (2*wg)

	logger *slog.Logger

	kernels []kernel
	buffers []*wgpu.Buffer
}

func newScanner(ctx *gpu.Context, o *options) (*scanner, error) {
	wg := o.workgroupSize
	if wg == 0 {
		wg = ctx.DefaultWorkgroupSize()
	}
	maxWG := ctx.Limits.MaxComputeWorkgroupSizeX
	if ctx.Limits.MaxComputeInvocationsPerWorkgroup < maxWG {
		maxWG = ctx.Limits.MaxComputeInvocationsPerWorkgroup
	}
	// The tree scan needs a power-of-two tile, so the workgroup itself
	// must be a power of two.
	if wg == 0 || wg&(wg-1) != 0 || wg > maxWG {
		return nil, &ErrInvalidWorkgroupSize{Size: wg, Max: maxWG}
	}
	tile := 2 * wg
	if tile*4 > ctx.Limits.MaxComputeWorkgroupStorageSize {
		return nil, &ErrInvalidWorkgroupSize{Size: wg, Max: ctx.Limits.MaxComputeWorkgroupStorageSize / 8}
	}
	return &scanner{ctx: ctx, wg: wg, tile: tile, logger: o.logger}, nil
}

// checkInputSize rejects inputs the device cannot bind or dispatch before any
// device work begins.
func (s *scanner) checkInputSize(n int) error {
	bytes := uint64(n) * 4
	maxBind := s.ctx.Limits.MaxStorageBufferBindingSize
	if s.ctx.Limits.MaxBufferSize < maxBind {
		maxBind = s.ctx.Limits.MaxBufferSize
	}
	if bytes > maxBind {
		return &ErrInputTooLarge{Elements: n, Limit: maxBind, Reason: "storage binding size (bytes)"}
	}
	groups := (uint64(n) + uint64(s.wg) - 1) / uint64(s.wg)
	if groups > uint64(s.ctx.Limits.MaxComputeWorkgroupsPerDimension) {
		return &ErrInputTooLarge{
			Elements: n,
			Limit:    uint64(s.ctx.Limits.MaxComputeWorkgroupsPerDimension),
			Reason:   "workgroups per dispatch",
		}
	}
	return nil
}

func (s *scanner) track(buf *wgpu.Buffer) {
	s.buffers = append(s.buffers, buf)
}

func (s *scanner) own(k kernel) {
	s.kernels = append(s.kernels, k)
}

func (s *scanner) cleanup() {
	for _, k := range s.kernels {
		k.cleanup()
	}
	for _, b := range s.buffers {
		b.Destroy()
	}
	s.kernels = nil
	s.buffers = nil
}

// encodeScan records an in-place exclusive scan of the first n elements of
// data onto enc. Tiles are scanned in shared memory; when more than one tile
// is needed, the per-tile totals are scanned by recursing on the sums buffer
// and added back in a final pass. Pass order within the encoder gives the
// required phase ordering.
func (s *scanner) encodeScan(enc *wgpu.CommandEncoder, data *wgpu.Buffer, n uint32, label string) error {
	groups := (n + s.tile - 1) / s.tile

	sums, err := gpu.NewEmptyBuffer(label+"_Sums", int(groups), wgpu.BufferUsageStorage)
	if err != nil {
		return err
	}
	s.track(sums)

	k := &tileScanKernel{n: n, wg: s.wg}
	if err := k.compile(s.ctx, label); err != nil {
		return err
	}
	if err := k.bind(s.ctx, label, data, sums); err != nil {
		return err
	}
	s.own(k)

	pass := enc.BeginComputePass(nil)
	k.dispatch(pass, groups)
	pass.End()

	s.logger.Debug("encoded scan level", "label", label, "n", n, "groups", groups)

	if groups > 1 {
		if err := s.encodeScan(enc, sums, groups, label+"_Sums"); err != nil {
			return err
		}

		a := &addOffsetsKernel{n: n, wg: s.wg}
		if err := a.compile(s.ctx, label+"_Add"); err != nil {
			return err
		}
		if err := a.bind(s.ctx, label+"_Add", data, sums); err != nil {
			return err
		}
		s.own(a)

		pass = enc.BeginComputePass(nil)
		a.dispatch(pass, groups)
		pass.End()
	}
	return nil
}

// tileScanKernel performs a work-efficient exclusive scan of one tile of
// 2*wg elements per workgroup and emits each tile's total.
type tileScanKernel struct {
	n  uint32
	wg uint32

	pipeline  *wgpu.ComputePipeline
	bindGroup *wgpu.BindGroup
}

func (k *tileScanKernel) shader() string {
	// Blelloch scan over a zero-padded shared tile. Indices are derived
	// from the padded tile size: ai = offset*(2t+1)-1, bi = offset*(2t+2)-1.
	// Loads beyond N read the additive identity; only in-range results are
	// stored, so non-power-of-two sizes never touch out-of-range memory.
	return fmt.Sprintf(`
		@group(0) @binding(0) var<storage, read_write> data : array<i32>;
		@group(0) @binding(1) var<storage, read_write> sums : array<i32>;

		const N: u32 = %du;
		const TILE: u32 = %du;

		var<workgroup> tile: array<i32, TILE>;

		@compute @workgroup_size(%d)
		fn main(
			@builtin(workgroup_id) wg_id: vec3<u32>,
			@builtin(local_invocation_id) local_id: vec3<u32>
		) {
			let tid = local_id.x;
			let base = wg_id.x * TILE;
			let i0 = base + 2u * tid;
			let i1 = i0 + 1u;

			if (i0 < N) { tile[2u * tid] = data[i0]; } else { tile[2u * tid] = 0; }
			if (i1 < N) { tile[2u * tid + 1u] = data[i1]; } else { tile[2u * tid + 1u] = 0; }

			// Up-sweep: build partial sums bottom-up. Every level reads the
			// previous level's writes, so a barrier separates each one.
			var offset: u32 = 1u;
			for (var d: u32 = TILE >> 1u; d > 0u; d = d >> 1u) {
				workgroupBarrier();
				if (tid < d) {
					let ai = offset * (2u * tid + 1u) - 1u;
					let bi = offset * (2u * tid + 2u) - 1u;
					tile[bi] = tile[bi] + tile[ai];
				}
				offset = offset << 1u;
			}

			// Record the tile total and clear the root.
			workgroupBarrier();
			if (tid == 0u) {
				sums[wg_id.x] = tile[TILE - 1u];
				tile[TILE - 1u] = 0;
			}

			// Down-sweep: distribute partial sums back into exclusive prefixes.
			for (var d: u32 = 1u; d < TILE; d = d << 1u) {
				offset = offset >> 1u;
				workgroupBarrier();
				if (tid < d) {
					let ai = offset * (2u * tid + 1u) - 1u;
					let bi = offset * (2u * tid + 2u) - 1u;
					let t = tile[ai];
					tile[ai] = tile[bi];
					tile[bi] = tile[bi] + t;
				}
			}
			workgroupBarrier();

			if (i0 < N) { data[i0] = tile[2u * tid]; }
			if (i1 < N) { data[i1] = tile[2u * tid + 1u]; }
		}
	`, k.n, 2*k.wg, k.wg)
}

func (k *tileScanKernel) compile(ctx *gpu.Context, label string) error {
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

func (k *tileScanKernel) bind(ctx *gpu.Context, label string, data, sums *wgpu.Buffer) error {
	var err error
	entries := []wgpu.BindGroupEntry{
		{Binding: 0, Buffer: data, Size: data.GetSize()},
		{Binding: 1, Buffer: sums, Size: sums.GetSize()},
	}
	k.bindGroup, err = ctx.Device.CreateBindGroup(&wgpu.BindGroupDescriptor{
		Label:   label + "_Bind",
		Layout:  k.pipeline.GetBindGroupLayout(0),
		Entries: entries,
	})
	return err
}

func (k *tileScanKernel) dispatch(pass *wgpu.ComputePassEncoder, groups uint32) {
	pass.SetPipeline(k.pipeline)
	pass.SetBindGroup(0, k.bindGroup, nil)
	pass.DispatchWorkgroups(groups, 1, 1)
}

func (k *tileScanKernel) cleanup() {
	if k.pipeline != nil {
		k.pipeline.Release()
	}
	if k.bindGroup != nil {
		k.bindGroup.Release()
	}
}

// addOffsetsKernel adds each tile's scanned base offset to its elements.
type addOffsetsKernel struct {
	n  uint32
	wg uint32

	pipeline  *wgpu.ComputePipeline
	bindGroup *wgpu.BindGroup
}

func (k *addOffsetsKernel) shader() string {
	return fmt.Sprintf(`
		@group(0) @binding(0) var<storage, read_write> data : array<i32>;
		@group(0) @binding(1) var<storage, read> bases : array<i32>;

		const N: u32 = %du;
		const TILE: u32 = %du;

		@compute @workgroup_size(%d)
		fn main(
			@builtin(workgroup_id) wg_id: vec3<u32>,
			@builtin(local_invocation_id) local_id: vec3<u32>
		) {
			let base = bases[wg_id.x];
			let i0 = wg_id.x * TILE + 2u * local_id.x;
			let i1 = i0 + 1u;
			if (i0 < N) { data[i0] = data[i0] + base; }
			if (i1 < N) { data[i1] = data[i1] + base; }
		}
	`, k.n, 2*k.wg, k.wg)
}

func (k *addOffsetsKernel) compile(ctx *gpu.Context, label string) error {
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

func (k *addOffsetsKernel) bind(ctx *gpu.Context, label string, data, bases *wgpu.Buffer) error {
	var err error
	entries := []wgpu.BindGroupEntry{
		{Binding: 0, Buffer: data, Size: data.GetSize()},
		{Binding: 1, Buffer: bases, Size: bases.GetSize()},
	}
	k.bindGroup, err = ctx.Device.CreateBindGroup(&wgpu.BindGroupDescriptor{
		Label:   label + "_Bind",
		Layout:  k.pipeline.GetBindGroupLayout(0),
		Entries: entries,
	})
	return err
}

func (k *addOffsetsKernel) dispatch(pass *wgpu.ComputePassEncoder, groups uint32) {
	pass.SetPipeline(k.pipeline)
	pass.SetBindGroup(0, k.bindGroup, nil)
	pass.DispatchWorkgroups(groups, 1, 1)
}

func (k *addOffsetsKernel) cleanup() {
	if k.pipeline != nil {
		k.pipeline.Release()
	}
	if k.bindGroup != nil {
		k.bindGroup.Release()
	}
}
