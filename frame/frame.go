package frame

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"FilamentDetServer/errdefs"
	iface "FilamentDetServer/interface"

	"gocv.io/x/gocv"
)

// Read loads an image from disk as an 8-bit RGB frame: any bit depth is
// stretched to the full 0..255 range and gray images are expanded to 3 channels.
func Read(index int, path string) (iface.Frame, error) {
	m := gocv.IMRead(path, gocv.IMReadUnchanged)
	defer m.Close()
	if m.Empty() {
		return iface.Frame{}, errdefs.Dataf("frame.Read", index, errdefs.NoIndex, "cannot read image %s", path)
	}
	return FromMat(index, m)
}

// Decode is Read for an encoded image held in memory (png, tiff, jpeg...).
func Decode(index int, data []byte) (iface.Frame, error) {
	if len(data) == 0 {
		return iface.Frame{}, errdefs.Dataf("frame.Decode", index, errdefs.NoIndex, "empty image buffer")
	}
	m, err := gocv.IMDecode(data, gocv.IMReadUnchanged)
	if err != nil {
		return iface.Frame{}, errdefs.Data("frame.Decode", index, errdefs.NoIndex, err)
	}
	defer m.Close()
	if m.Empty() {
		return iface.Frame{}, errdefs.Data("frame.Decode", index, errdefs.NoIndex, errors.New("decoded image is empty or unsupported format"))
	}
	return FromMat(index, m)
}

// DecodeBase64 decodes a base64 image, with or without a data:image/... prefix.
func DecodeBase64(index int, b64 string) (iface.Frame, error) {
	if i := strings.Index(b64, ","); i != -1 && strings.HasPrefix(b64, "data:") {
		b64 = b64[i+1:]
	}
	data, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return iface.Frame{}, errdefs.Data("frame.DecodeBase64", index, errdefs.NoIndex, err)
	}
	return Decode(index, data)
}

// FromMat converts a decoded BGR/gray Mat into an RGB frame. m is not modified.
func FromMat(index int, m gocv.Mat) (iface.Frame, error) {
	scaled := gocv.NewMat()
	defer scaled.Close()
	if err := rescale(m, &scaled); err != nil {
		return iface.Frame{}, errdefs.Data("frame.FromMat", index, errdefs.NoIndex, err)
	}

	rgb := gocv.NewMat()
	defer rgb.Close()
	switch scaled.Channels() {
	case 1:
		gocv.CvtColor(scaled, &rgb, gocv.ColorGrayToBGR)
	case 3:
		gocv.CvtColor(scaled, &rgb, gocv.ColorBGRToRGB)
	case 4:
		// BGRA -> RGB shares the conversion code of RGBA -> BGR
		gocv.CvtColor(scaled, &rgb, gocv.ColorRGBAToBGR)
	default:
		return iface.Frame{}, errdefs.Dataf("frame.FromMat", index, errdefs.NoIndex, "unsupported channel count %d", scaled.Channels())
	}

	return iface.Frame{
		Index:    index,
		Width:    rgb.Cols(),
		Height:   rgb.Rows(),
		Channels: 3,
		Data:     rgb.ToBytes(),
	}, nil
}

// rescale stretches intensities to 0..255 and converts to 8-bit.
func rescale(src gocv.Mat, dst *gocv.Mat) error {
	if src.Empty() {
		return errors.New("empty image")
	}
	f := gocv.NewMat()
	defer f.Close()
	src.ConvertTo(&f, gocv.MatTypeCV32F)
	if f.Empty() {
		return errors.New("convert to float failed")
	}
	norm := gocv.NewMat()
	defer norm.Close()
	gocv.Normalize(f, &norm, 0, 255, gocv.NormMinMax)
	norm.ConvertTo(dst, gocv.MatTypeCV8U)
	if dst.Empty() {
		return fmt.Errorf("convert %v to 8-bit failed", src.Type())
	}
	return nil
}

// Mat wraps a frame in a new Mat (CV8U or CV8UC3). The caller closes it.
func Mat(f iface.Frame) (gocv.Mat, error) {
	if err := f.Validate(); err != nil {
		return gocv.NewMat(), errdefs.Data("frame.Mat", f.Index, errdefs.NoIndex, err)
	}
	mt := gocv.MatTypeCV8UC3
	if f.Channels == 1 {
		mt = gocv.MatTypeCV8U
	}
	buf := make([]byte, len(f.Data))
	copy(buf, f.Data)
	return gocv.NewMatFromBytes(f.Height, f.Width, mt, buf)
}

// Gray builds a single channel frame from raw 8-bit pixels.
func Gray(index, width, height int, pix []byte) iface.Frame {
	return iface.Frame{Index: index, Width: width, Height: height, Channels: 1, Data: pix}
}
