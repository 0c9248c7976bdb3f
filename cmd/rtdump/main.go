// Command rtdump builds, inspects, and renders fallback acceleration
// structures from the command line.
package main

import (
	"encoding/binary"
	"fmt"
	"image"
	"image/color"
	"log/slog"
	"math"
	"os"

	"github.com/urfave/cli"
	"golang.org/x/image/bmp"

	"github.com/gogpu/rtfallback"
	"github.com/gogpu/rtfallback/backend"
	"github.com/gogpu/rtfallback/builder"
	"github.com/gogpu/rtfallback/bvh"
	"github.com/gogpu/rtfallback/dispatch"
	"github.com/gogpu/rtfallback/geometry"
	"github.com/gogpu/rtfallback/shadertable"
	"github.com/gogpu/rtfallback/vecmath"
)

func main() {
	app := cli.NewApp()
	app.Name = "rtdump"
	app.Usage = "build and inspect fallback raytracing acceleration structures"
	app.Version = "0.1.0"
	app.Flags = []cli.Flag{
		cli.BoolFlag{
			Name:  "v",
			Usage: "enable verbose logging",
		},
		cli.StringFlag{
			Name:  "backend",
			Usage: "backend to use (software, wgpu); empty selects the best available",
		},
	}
	app.Commands = []cli.Command{
		{
			Name:   "backends",
			Usage:  "list registered backends",
			Action: listBackends,
		},
		{
			Name:   "build",
			Usage:  "build the sample scene and print structure statistics",
			Action: buildScene,
			Flags: []cli.Flag{
				cli.IntFlag{
					Name:  "instances",
					Value: 3,
					Usage: "number of cube instances",
				},
			},
		},
		{
			Name:      "serialize",
			Usage:     "build the sample scene and write its serialized bottom level to a file",
			ArgsUsage: "out.fbvh",
			Action:    serializeScene,
		},
		{
			Name:      "dump",
			Usage:     "print the contents of a serialized structure file",
			ArgsUsage: "in.fbvh",
			Action:    dumpFile,
		},
		{
			Name:   "render",
			Usage:  "render the sample scene to a BMP image",
			Action: renderScene,
			Flags: []cli.Flag{
				cli.IntFlag{
					Name:  "width",
					Value: 512,
					Usage: "image width",
				},
				cli.IntFlag{
					Name:  "height",
					Value: 512,
					Usage: "image height",
				},
				cli.StringFlag{
					Name:  "out",
					Value: "render.bmp",
					Usage: "output BMP file",
				},
				cli.IntFlag{
					Name:  "instances",
					Value: 3,
					Usage: "number of cube instances",
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "rtdump:", err)
		os.Exit(1)
	}
}

func setup(ctx *cli.Context) (*dispatch.Device, error) {
	if ctx.GlobalBool("v") {
		rtfallback.SetLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelDebug,
		})))
	}
	return dispatch.Open(ctx.GlobalString("backend"))
}

func listBackends(ctx *cli.Context) error {
	for _, name := range backend.Available() {
		fmt.Println(name)
	}
	return nil
}

// sampleScene holds the built sample scene: one cube bottom level,
// instanced along the x axis under a top level structure.
type sampleScene struct {
	dev       *dispatch.Device
	blas      uint64
	tlas      uint64
	instances int
}

// cubeVertices returns 12 triangles (36 vertices) of a unit cube centered
// at the origin.
func cubeVertices() []vecmath.Vec3 {
	c := [8]vecmath.Vec3{
		{-0.5, -0.5, -0.5}, {0.5, -0.5, -0.5}, {0.5, 0.5, -0.5}, {-0.5, 0.5, -0.5},
		{-0.5, -0.5, 0.5}, {0.5, -0.5, 0.5}, {0.5, 0.5, 0.5}, {-0.5, 0.5, 0.5},
	}
	quads := [6][4]int{
		{0, 1, 2, 3}, {5, 4, 7, 6}, {4, 0, 3, 7},
		{1, 5, 6, 2}, {3, 2, 6, 7}, {4, 5, 1, 0},
	}
	var out []vecmath.Vec3
	for _, q := range quads {
		out = append(out, c[q[0]], c[q[1]], c[q[2]], c[q[0]], c[q[2]], c[q[3]])
	}
	return out
}

// buildSampleScene uploads the cube, builds its bottom level, and builds a
// top level over count instances translated along x.
func buildSampleScene(dev *dispatch.Device, count int) (*sampleScene, error) {
	verts := cubeVertices()
	vertAddr, err := dev.Allocate(uint64(len(verts)) * 12)
	if err != nil {
		return nil, err
	}
	raw, err := dev.Backend().Map(vertAddr, uint64(len(verts))*12)
	if err != nil {
		return nil, err
	}
	for i, v := range verts {
		for a := 0; a < 3; a++ {
			binary.LittleEndian.PutUint32(raw[i*12+a*4:], math.Float32bits(v[a]))
		}
	}

	blasInputs := builder.Inputs{
		Kind: bvh.KindBottomLevel,
		Geometries: []geometry.Desc{{
			Kind: geometry.KindTriangles,
			Triangles: geometry.TrianglesDesc{
				VertexBuffer: vertAddr,
				VertexCount:  uint32(len(verts)),
				VertexStride: 12,
				VertexFormat: geometry.VertexFormatR32G32B32Float,
			},
		}},
	}
	blas, err := buildStructure(dev, blasInputs)
	if err != nil {
		return nil, fmt.Errorf("bottom level: %w", err)
	}

	instAddr, err := dev.Allocate(uint64(count) * bvh.InstanceSize)
	if err != nil {
		return nil, err
	}
	instRaw, err := dev.Backend().Map(instAddr, uint64(count)*bvh.InstanceSize)
	if err != nil {
		return nil, err
	}
	for i := 0; i < count; i++ {
		bvh.EncodeInstance(instRaw[i*bvh.InstanceSize:], bvh.Instance{
			Transform:      vecmath.TranslationAffine(float32(i)*1.5, 0, 0),
			ID:             uint32(i),
			Mask:           0xff,
			HitGroupOffset: uint32(i),
			BLASAddress:    blas,
		})
	}

	tlasInputs := builder.Inputs{
		Kind:          bvh.KindTopLevel,
		InstanceAddr:  instAddr,
		InstanceCount: uint32(count),
	}
	tlas, err := buildStructure(dev, tlasInputs)
	if err != nil {
		return nil, fmt.Errorf("top level: %w", err)
	}
	return &sampleScene{dev: dev, blas: blas, tlas: tlas, instances: count}, nil
}

// buildStructure allocates destination and scratch, records the build, and
// waits for it.
func buildStructure(dev *dispatch.Device, inputs builder.Inputs) (uint64, error) {
	info, err := dev.PrebuildInfo(inputs)
	if err != nil {
		return 0, err
	}
	dest, err := dev.Allocate(info.ResultSize)
	if err != nil {
		return 0, err
	}
	scratch, err := dev.Allocate(info.ScratchSize)
	if err != nil {
		return 0, err
	}
	defer func() { _ = dev.Free(scratch) }()

	cl, err := dev.NewCommandList()
	if err != nil {
		return 0, err
	}
	if err := cl.BuildAccelerationStructure(builder.BuildDesc{
		Dest:    dest,
		Scratch: scratch,
		Inputs:  inputs,
	}); err != nil {
		return 0, err
	}
	if err := cl.Close(); err != nil {
		return 0, err
	}
	return dest, dev.SubmitAndWait(cl)
}

func buildScene(ctx *cli.Context) error {
	dev, err := setup(ctx)
	if err != nil {
		return err
	}
	defer dev.Close()

	scene, err := buildSampleScene(dev, ctx.Int("instances"))
	if err != nil {
		return err
	}
	for _, s := range []struct {
		label string
		addr  uint64
	}{{"bottom level", scene.blas}, {"top level", scene.tlas}} {
		view, err := bvh.MapBlob(dev.Backend(), s.addr)
		if err != nil {
			return err
		}
		h := view.Header()
		fmt.Printf("%s @ %#x: %s, %d nodes, %d leaves, %d bytes\n",
			s.label, s.addr, h.Kind, h.NodeCount, h.LeafCount,
			bvh.Size(h.Kind, h.GeometryKind, h.NodeCount, h.LeafCount))
		fmt.Printf("  root bounds min=%v max=%v\n", h.RootBounds.Min, h.RootBounds.Max)
	}
	return nil
}

func serializeScene(ctx *cli.Context) error {
	if ctx.NArg() != 1 {
		return fmt.Errorf("missing output file argument")
	}
	dev, err := setup(ctx)
	if err != nil {
		return err
	}
	defer dev.Close()

	scene, err := buildSampleScene(dev, 1)
	if err != nil {
		return err
	}

	cl, err := dev.NewCommandList()
	if err != nil {
		return err
	}
	infoAddr, err := dev.Allocate(16)
	if err != nil {
		return err
	}
	if err := cl.EmitPostbuildInfo(builder.InfoSerializationSize, []uint64{scene.blas}, infoAddr); err != nil {
		return err
	}
	if err := cl.Close(); err != nil {
		return err
	}
	if err := dev.SubmitAndWait(cl); err != nil {
		return err
	}
	infoRaw, err := dev.Backend().Map(infoAddr, 16)
	if err != nil {
		return err
	}
	size := binary.LittleEndian.Uint64(infoRaw)

	serAddr, err := dev.Allocate(size)
	if err != nil {
		return err
	}
	cl, err = dev.NewCommandList()
	if err != nil {
		return err
	}
	if err := cl.CopyAccelerationStructure(builder.CopyDesc{
		Source: scene.blas,
		Dest:   serAddr,
		Mode:   builder.CopySerialize,
	}); err != nil {
		return err
	}
	if err := cl.Close(); err != nil {
		return err
	}
	if err := dev.SubmitAndWait(cl); err != nil {
		return err
	}

	raw, err := dev.Backend().Map(serAddr, size)
	if err != nil {
		return err
	}
	if err := os.WriteFile(ctx.Args().First(), raw, 0o644); err != nil {
		return err
	}
	fmt.Printf("wrote %d bytes to %s\n", size, ctx.Args().First())
	return nil
}

func dumpFile(ctx *cli.Context) error {
	if ctx.NArg() != 1 {
		return fmt.Errorf("missing input file argument")
	}
	data, err := os.ReadFile(ctx.Args().First())
	if err != nil {
		return err
	}
	total, deserialized, pointers, err := builder.ParseSerializedHeader(data)
	if err != nil {
		return err
	}
	fmt.Printf("serialized image: %d bytes total, %d deserialized, %d bottom-level pointers\n",
		total, deserialized, pointers)

	view, err := bvh.DecodeView(data[56 : 56+deserialized])
	if err != nil {
		return err
	}
	for i := uint64(0); i < pointers; i++ {
		addr := binary.LittleEndian.Uint64(data[56+deserialized+8*i:])
		fmt.Printf("  bottom-level pointer %d: %#x\n", i, addr)
	}
	h := view.Header()
	fmt.Printf("structure: %s, geometry %s, %d nodes, %d leaves, version %d\n",
		h.Kind, h.GeometryKind, h.NodeCount, h.LeafCount, h.Version)
	fmt.Printf("root bounds min=%v max=%v\n", h.RootBounds.Min, h.RootBounds.Max)
	for i := uint32(0); i < h.NodeCount; i++ {
		n := view.Node(i)
		if n.IsLeaf() {
			fmt.Printf("  node %4d: leaf prim=%d\n", i, n.LeafStart())
		} else {
			fmt.Printf("  node %4d: children %d %d\n", i, n.Left, n.Right)
		}
	}
	return nil
}

func renderScene(ctx *cli.Context) error {
	dev, err := setup(ctx)
	if err != nil {
		return err
	}
	defer dev.Close()

	width, height := ctx.Int("width"), ctx.Int("height")
	scene, err := buildSampleScene(dev, ctx.Int("instances"))
	if err != nil {
		return err
	}

	img := image.NewRGBA(image.Rect(0, 0, width, height))
	prog, tables, err := shadingProgram(dev, scene, img)
	if err != nil {
		return err
	}

	cl, err := dev.NewCommandList()
	if err != nil {
		return err
	}
	if err := cl.SetPipeline(prog); err != nil {
		return err
	}
	if err := cl.SetTopLevelStructure(scene.tlas); err != nil {
		return err
	}
	if err := cl.DispatchRays(dispatch.DispatchDesc{
		Tables: tables,
		Width:  uint32(width),
		Height: uint32(height),
		Depth:  1,
	}); err != nil {
		return err
	}
	if err := cl.Close(); err != nil {
		return err
	}
	if err := dev.SubmitAndWait(cl); err != nil {
		return err
	}

	f, err := os.Create(ctx.String("out"))
	if err != nil {
		return err
	}
	defer f.Close()
	if err := bmp.Encode(f, img); err != nil {
		return err
	}
	fmt.Printf("wrote %dx%d image to %s\n", width, height, ctx.String("out"))
	return nil
}

// shadingProgram builds the pipeline, handlers, and shader-record tables
// for the sample render: an orthographic camera looking down -z, instances
// tinted by their hit-group record, misses dark blue.
func shadingProgram(dev *dispatch.Device, scene *sampleScene, img *image.RGBA) (*dispatch.Program, shadertable.Tables, error) {
	pipeline, err := shadertable.NewPipeline(shadertable.PipelineDesc{
		Exports: []shadertable.Export{
			{Name: "camera", Kind: shadertable.KindRayGeneration},
			{Name: "sky", Kind: shadertable.KindMiss},
			{Name: "shade", Kind: shadertable.KindClosestHit},
		},
		HitGroups: []shadertable.HitGroupDesc{
			{Name: "cube", ClosestHit: "shade"},
		},
		MaxRecursionDepth: 1,
	})
	if err != nil {
		return nil, shadertable.Tables{}, err
	}

	// One raygen record, one miss record, and one hit-group record per
	// instance whose local root arguments carry a tint.
	stride := uint64(shadertable.RecordStride(4))
	tableSize := 64 + 64 + stride*uint64(scene.instances)
	tableAddr, err := dev.Allocate(tableSize)
	if err != nil {
		return nil, shadertable.Tables{}, err
	}
	raw, err := dev.Backend().Map(tableAddr, tableSize)
	if err != nil {
		return nil, shadertable.Tables{}, err
	}

	writeID := func(off uint64, name string) error {
		id, err := pipeline.ShaderIdentifier(name)
		if err != nil {
			return err
		}
		copy(raw[off:], id[:])
		return nil
	}
	if err := writeID(0, "camera"); err != nil {
		return nil, shadertable.Tables{}, err
	}
	if err := writeID(64, "sky"); err != nil {
		return nil, shadertable.Tables{}, err
	}
	for i := 0; i < scene.instances; i++ {
		off := 128 + uint64(i)*stride
		if err := writeID(off, "cube"); err != nil {
			return nil, shadertable.Tables{}, err
		}
		binary.LittleEndian.PutUint32(raw[off+shadertable.IdentifierSize:], uint32(i*90+60))
	}

	tables := shadertable.Tables{
		RayGeneration: shadertable.Region{Address: tableAddr, Size: 64, Stride: 64},
		Miss:          shadertable.Region{Address: tableAddr + 64, Size: 64, Stride: 64},
		HitGroups:     shadertable.Region{Address: tableAddr + 128, Size: stride * uint64(scene.instances), Stride: stride},
	}

	bounds := img.Bounds()
	extent := float32(scene.instances)*1.5 + 1
	prog := &dispatch.Program{
		Pipeline: pipeline,
		RayGen: map[string]dispatch.RayGenFunc{
			"camera": func(sc *dispatch.ShaderContext) error {
				x, y := sc.LaunchIndex[0], sc.LaunchIndex[1]
				fx := (float32(x)/float32(bounds.Dx()) - 0.5) * extent
				fy := (float32(y)/float32(bounds.Dy()) - 0.5) * 2
				ray := bvh.Ray{
					Origin: vecmath.Vec3{fx + extent/2 - 1, -fy, 5},
					Dir:    vecmath.Vec3{0, 0, -1},
					TMax:   100,
					Mask:   0xff,
				}
				_, _, err := sc.TraceRay(ray, 0, 0, [2]uint32{x, y})
				return err
			},
		},
		Miss: map[string]dispatch.MissFunc{
			"sky": func(sc *dispatch.ShaderContext) error {
				px := sc.Payload.([2]uint32)
				img.SetRGBA(int(px[0]), int(px[1]), color.RGBA{B: 64, A: 255})
				return nil
			},
		},
		ClosestHit: map[string]dispatch.HitFunc{
			"shade": func(sc *dispatch.ShaderContext, hit bvh.Hit) error {
				px := sc.Payload.([2]uint32)
				tint := binary.LittleEndian.Uint32(sc.LocalRecord)
				shade := uint8(255 - math.Min(float64(hit.T)*20, 155))
				img.SetRGBA(int(px[0]), int(px[1]), color.RGBA{
					R: uint8(tint), G: shade, B: uint8(hit.InstanceID * 80), A: 255,
				})
				return nil
			},
		},
	}
	return prog, tables, nil
}
