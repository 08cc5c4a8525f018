package gpkg

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/wkb"
)

// GeoPackage binary geometry header:
//
//	magic "GP" | version | flags | srs_id int32 | envelope | WKB
//
// flags bit 0 is the byte order of srs_id and the envelope (1 = little
// endian), bits 1-3 the envelope contents code, bit 4 the empty flag.
const (
	geomVersion     = 0
	flagLittleEnd   = 0x01
	flagEnvelopeMsk = 0x0e
	flagEmpty       = 0x10
	headerSize      = 8
)

var errBadGeometry = errors.New("invalid geopackage geometry")

// envelopeSize maps an envelope contents code to its length in bytes.
var envelopeSize = [...]int{0, 32, 48, 48, 64}

// encodePoint returns the GeoPackage blob for p. Points carry no envelope
// since it would only repeat the coordinates.
func encodePoint(p *geom.Point) ([]byte, error) {
	body, err := wkb.Marshal(p, binary.LittleEndian)
	if err != nil {
		return nil, fmt.Errorf("encode wkb: %w", err)
	}
	b := make([]byte, headerSize, headerSize+len(body))
	b[0], b[1] = 'G', 'P'
	b[2] = geomVersion
	b[3] = flagLittleEnd
	binary.LittleEndian.PutUint32(b[4:], uint32(int32(p.SRID())))
	return append(b, body...), nil
}

// decodePoint parses a GeoPackage point blob and returns the point with its
// SRID set from the header.
func decodePoint(b []byte) (*geom.Point, error) {
	if len(b) < headerSize || b[0] != 'G' || b[1] != 'P' {
		return nil, fmt.Errorf("%w: missing GP header", errBadGeometry)
	}
	if b[2] != geomVersion {
		return nil, fmt.Errorf("%w: version %d", errBadGeometry, b[2])
	}
	flags := b[3]
	if flags&flagEmpty != 0 {
		return nil, fmt.Errorf("%w: empty geometry", errBadGeometry)
	}
	var order binary.ByteOrder = binary.BigEndian
	if flags&flagLittleEnd != 0 {
		order = binary.LittleEndian
	}
	srid := int(int32(order.Uint32(b[4:8])))

	code := int(flags&flagEnvelopeMsk) >> 1
	if code >= len(envelopeSize) {
		return nil, fmt.Errorf("%w: envelope code %d", errBadGeometry, code)
	}
	start := headerSize + envelopeSize[code]
	if len(b) < start {
		return nil, fmt.Errorf("%w: truncated envelope", errBadGeometry)
	}

	g, err := wkb.Unmarshal(b[start:])
	if err != nil {
		return nil, fmt.Errorf("decode wkb: %w", err)
	}
	p, ok := g.(*geom.Point)
	if !ok {
		return nil, fmt.Errorf("%w: geometry is %T, want point", errBadGeometry, g)
	}
	return p.SetSRID(srid), nil
}
