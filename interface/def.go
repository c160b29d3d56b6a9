package iface

// Point is an integer pixel position (x = column, y = row).
type Point struct {
	X int `json:"x"`
	Y int `json:"y"`
}

type PointF struct {
	X, Y float64
}

// Box is a detection box in original image pixels, in roi order.
type Box struct {
	Y1, X1, Y2, X2 int
}

func (b Box) Width() int {
	return b.X2 - b.X1
}

func (b Box) Height() int {
	return b.Y2 - b.Y1
}

// Frame is one 8-bit image plane of a sequence, row-major, channels interleaved.
type Frame struct {
	Index    int
	Width    int
	Height   int
	Channels int
	Data     []byte
}

// Plane is one H×W boolean layer stored as 0/1 bytes.
type Plane struct {
	Width  int
	Height int
	Pix    []uint8
}

// MaskStack holds one plane per instance of one frame.
type MaskStack struct {
	Width  int
	Height int
	Planes []Plane
}

// AnnotationLine is a seed line read from a sidecar file. Higher ZOrder is drawn on top.
type AnnotationLine struct {
	Start     PointF
	End       PointF
	Thickness int
	GroupID   int
	ZOrder    int
}

type DetectionResult struct {
	Frame    int
	Width    int
	Height   int
	Boxes    []Box
	Masks    MaskStack
	ClassIDs []int
	Scores   []float32
}

type FilamentRecord struct {
	ID     int      `json:"id"`
	Frame  int      `json:"frame"`
	Points [2]Point `json:"points"`
}
