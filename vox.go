package svo

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
)

const (
	VOXMagicNumber uint32 = 0x20584F56 // "VOX " little endian
	VOXVersion     int32  = 200
	VOXMinVersion  int32  = 150

	voxPaletteBytes = 256 * 4
)

var (
	ErrInvalidMagic   = errors.New("vox: invalid magic number")
	ErrVersionTooOld  = errors.New("vox: file version too old")
	ErrMissingChunk   = errors.New("vox: missing required chunk")
	ErrMalformedChunk = errors.New("vox: malformed chunk")
)

type Voxel struct {
	X, Y, Z, ColorIndex byte
}

type VoxModel struct {
	SizeX, SizeY, SizeZ uint32
	Voxels              []Voxel
}

// VoxPalette holds RGBA colors. Color index i refers to entry i-1.
type VoxPalette [256][4]byte

type VoxFile struct {
	Version       int
	Models        []VoxModel
	Palette       VoxPalette
	CustomPalette bool
}

func (f *VoxFile) VoxelCount() int {
	n := 0
	for _, m := range f.Models {
		n += len(m.Voxels)
	}
	return n
}

// Color returns the 24-bit RGB of a color index; index 0 is black.
func (f *VoxFile) Color(index byte) uint32 {
	if index == 0 {
		return 0
	}
	c := f.Palette[index-1]
	return uint32(c[0])<<16 | uint32(c[1])<<8 | uint32(c[2])
}

func LoadVoxFile(filename string, logger Logger) (*VoxFile, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to open vox file: %w", err)
	}
	defer file.Close()

	vf, err := ReadVox(bufio.NewReader(file), logger)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filename, err)
	}
	orNop(logger).Infof("VoxLoader: loaded %d voxels from %s", vf.VoxelCount(), filename)
	return vf, nil
}

type chunkHeader struct {
	ID           [4]byte
	ContentSize  uint32
	ChildrenSize uint32
}

// ReadVox parses a MagicaVoxel stream. Every SIZE chunk starts a model and
// the XYZI chunk after it fills that model. Chunks other than SIZE, XYZI and
// RGBA are skipped together with their children.
func ReadVox(r io.Reader, logger Logger) (*VoxFile, error) {
	logger = orNop(logger)

	var header struct {
		Magic   uint32
		Version int32
	}
	if err := binary.Read(r, binary.LittleEndian, &header); err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}
	if header.Magic != VOXMagicNumber {
		return nil, fmt.Errorf("%w: 0x%08X, expected 0x%08X", ErrInvalidMagic, header.Magic, VOXMagicNumber)
	}
	if header.Version < VOXMinVersion {
		return nil, fmt.Errorf("%w: %d, minimum supported version is %d", ErrVersionTooOld, header.Version, VOXMinVersion)
	}
	if header.Version > VOXVersion {
		logger.Warnf("VoxLoader: file version %d is newer than tested version %d, attempting to load anyway",
			header.Version, VOXVersion)
	}

	var mainChunk chunkHeader
	if err := binary.Read(r, binary.LittleEndian, &mainChunk); err != nil {
		return nil, fmt.Errorf("failed to read MAIN chunk: %w", err)
	}
	if string(mainChunk.ID[:]) != "MAIN" {
		return nil, fmt.Errorf("%w: MAIN, found %q", ErrMissingChunk, mainChunk.ID[:])
	}
	if err := skip(r, int64(mainChunk.ContentSize)); err != nil {
		return nil, err
	}

	vf := &VoxFile{Version: int(header.Version), Palette: DefaultPalette()}
	children := &io.LimitedReader{R: r, N: int64(mainChunk.ChildrenSize)}
	foundSize, foundXYZI := false, false
	for {
		var ch chunkHeader
		if err := binary.Read(children, binary.LittleEndian, &ch); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("failed to read chunk header: %w", err)
		}
		id := string(ch.ID[:])
		if int64(ch.ContentSize)+int64(ch.ChildrenSize) > children.N {
			return nil, fmt.Errorf("%w: %s chunk declares %d bytes, %d left in MAIN",
				ErrMalformedChunk, id, int64(ch.ContentSize)+int64(ch.ChildrenSize), children.N)
		}
		switch id {
		case "SIZE", "XYZI", "RGBA":
		default:
			logger.Debugf("VoxLoader: skipping %q chunk (%d bytes)", id, ch.ContentSize+ch.ChildrenSize)
			if err := skip(children, int64(ch.ContentSize)+int64(ch.ChildrenSize)); err != nil {
				return nil, err
			}
			continue
		}

		// MAIN may claim more than the stream holds, so the buffer only
		// grows with the bytes actually read.
		data, err := io.ReadAll(io.LimitReader(children, int64(ch.ContentSize)))
		if err != nil {
			return nil, fmt.Errorf("failed to read %s chunk: %w", id, err)
		}
		if len(data) < int(ch.ContentSize) {
			return nil, fmt.Errorf("%w: %s chunk truncated at %d of %d bytes",
				ErrMalformedChunk, id, len(data), ch.ContentSize)
		}
		if err := skip(children, int64(ch.ChildrenSize)); err != nil {
			return nil, err
		}

		switch id {
		case "SIZE":
			if len(data) < 12 {
				return nil, fmt.Errorf("%w: SIZE chunk has %d bytes", ErrMalformedChunk, len(data))
			}
			m := VoxModel{
				SizeX: binary.LittleEndian.Uint32(data[0:4]),
				SizeY: binary.LittleEndian.Uint32(data[4:8]),
				SizeZ: binary.LittleEndian.Uint32(data[8:12]),
			}
			vf.Models = append(vf.Models, m)
			foundSize = true
			logger.Debugf("VoxLoader: model dimensions %dx%dx%d", m.SizeX, m.SizeY, m.SizeZ)
		case "XYZI":
			if !foundSize {
				return nil, fmt.Errorf("%w: XYZI before SIZE", ErrMalformedChunk)
			}
			voxels, err := parseXYZI(data)
			if err != nil {
				return nil, err
			}
			model := &vf.Models[len(vf.Models)-1]
			model.Voxels = append(model.Voxels, voxels...)
			foundXYZI = true
		case "RGBA":
			if len(data) < voxPaletteBytes {
				return nil, fmt.Errorf("%w: RGBA chunk has %d bytes, need %d", ErrMalformedChunk, len(data), voxPaletteBytes)
			}
			for i := range vf.Palette {
				copy(vf.Palette[i][:], data[i*4:i*4+4])
			}
			vf.CustomPalette = true
		}
	}

	if !foundSize || !foundXYZI {
		return nil, fmt.Errorf("%w: SIZE or XYZI", ErrMissingChunk)
	}
	if !vf.CustomPalette {
		logger.Debugf("VoxLoader: applied default palette")
	}
	return vf, nil
}

func parseXYZI(data []byte) ([]Voxel, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("%w: XYZI chunk has %d bytes", ErrMalformedChunk, len(data))
	}
	n := binary.LittleEndian.Uint32(data[:4])
	if uint64(len(data)) < 4+uint64(n)*4 {
		return nil, fmt.Errorf("%w: XYZI declares %d voxels in %d bytes", ErrMalformedChunk, n, len(data))
	}
	voxels := make([]Voxel, n)
	for i := range voxels {
		o := 4 + i*4
		voxels[i] = Voxel{X: data[o], Y: data[o+1], Z: data[o+2], ColorIndex: data[o+3]}
	}
	return voxels, nil
}

func skip(r io.Reader, n int64) error {
	if n <= 0 {
		return nil
	}
	if _, err := io.CopyN(io.Discard, r, n); err != nil {
		return fmt.Errorf("failed to skip chunk data: %w", err)
	}
	return nil
}

// WriteVox encodes f as a single MAIN chunk holding a SIZE and XYZI pair per
// model, followed by an RGBA chunk when the palette is custom.
func WriteVox(w io.Writer, f *VoxFile) error {
	var children bytes.Buffer
	for _, m := range f.Models {
		size := make([]byte, 12)
		binary.LittleEndian.PutUint32(size[0:4], m.SizeX)
		binary.LittleEndian.PutUint32(size[4:8], m.SizeY)
		binary.LittleEndian.PutUint32(size[8:12], m.SizeZ)
		writeChunk(&children, "SIZE", size)

		xyzi := make([]byte, 4+4*len(m.Voxels))
		binary.LittleEndian.PutUint32(xyzi[:4], uint32(len(m.Voxels)))
		for i, v := range m.Voxels {
			copy(xyzi[4+i*4:], []byte{v.X, v.Y, v.Z, v.ColorIndex})
		}
		writeChunk(&children, "XYZI", xyzi)
	}
	if f.CustomPalette {
		rgba := make([]byte, 0, voxPaletteBytes)
		for _, c := range f.Palette {
			rgba = append(rgba, c[:]...)
		}
		writeChunk(&children, "RGBA", rgba)
	}

	version := int32(f.Version)
	if version == 0 {
		version = VOXVersion
	}
	var out bytes.Buffer
	_ = binary.Write(&out, binary.LittleEndian, VOXMagicNumber)
	_ = binary.Write(&out, binary.LittleEndian, version)
	out.WriteString("MAIN")
	_ = binary.Write(&out, binary.LittleEndian, uint32(0))
	_ = binary.Write(&out, binary.LittleEndian, uint32(children.Len()))
	out.Write(children.Bytes())
	_, err := w.Write(out.Bytes())
	return err
}

func writeChunk(buf *bytes.Buffer, id string, content []byte) {
	buf.WriteString(id)
	_ = binary.Write(buf, binary.LittleEndian, uint32(len(content)))
	_ = binary.Write(buf, binary.LittleEndian, uint32(0))
	buf.Write(content)
}

var defaultPaletteHead = [16][4]byte{
	{0, 0, 0, 0},
	{255, 255, 255, 255},
	{255, 255, 204, 255},
	{255, 255, 153, 255},
	{255, 255, 102, 255},
	{255, 255, 51, 255},
	{255, 255, 0, 255},
	{255, 204, 0, 255},
	{255, 153, 0, 255},
	{255, 102, 0, 255},
	{255, 51, 0, 255},
	{255, 0, 0, 255},
	{204, 0, 0, 255},
	{153, 0, 0, 255},
	{102, 0, 0, 255},
	{51, 0, 0, 255},
}

// DefaultPalette is used when a file has no RGBA chunk: 16 fixed colors
// followed by a full-saturation hue sweep.
func DefaultPalette() VoxPalette {
	var p VoxPalette
	copy(p[:16], defaultPaletteHead[:])
	for i := 16; i < len(p); i++ {
		hue := float64(i-16) / float64(len(p)-16) * 360
		r, g, b := hsvToRGB(hue)
		p[i] = [4]byte{byte(r * 255), byte(g * 255), byte(b * 255), 255}
	}
	return p
}

// hsvToRGB converts a hue in degrees with saturation and value 1.
func hsvToRGB(hue float64) (r, g, b float64) {
	x := 1 - math.Abs(math.Mod(hue/60, 2)-1)
	switch {
	case hue < 60:
		return 1, x, 0
	case hue < 120:
		return x, 1, 0
	case hue < 180:
		return 0, 1, x
	case hue < 240:
		return 0, x, 1
	case hue < 300:
		return x, 0, 1
	default:
		return 1, 0, x
	}
}
