// Package meta loads and validates single-file .torrent metainfo files,
// producing the immutable TorrentFile description the rest of the
// downloader operates on.
package meta

import (
	"errors"
	"fmt"

	"github.com/rabbitdl/rabbit/internal/bencode"
	"github.com/rabbitdl/rabbit/internal/bytecodec"
)

var (
	ErrTopLevelNotDict     = errors.New("metainfo: top-level value is not a dictionary")
	ErrAnnounceMissing     = errors.New("metainfo: missing or invalid 'announce'")
	ErrInfoMissing         = errors.New("metainfo: missing 'info' dictionary")
	ErrInfoNotDict         = errors.New("metainfo: 'info' is not a dictionary")
	ErrNameMissing         = errors.New("metainfo: missing or invalid 'info.name'")
	ErrPieceLenMissing     = errors.New("metainfo: missing or invalid 'info.piece length'")
	ErrPieceLenNonPositive = errors.New("metainfo: 'info.piece length' must be positive")
	ErrPieceLenNotPowerOf2 = errors.New("metainfo: 'info.piece length' must be a power of two of at least 16384")
	ErrLengthMissing       = errors.New("metainfo: missing or invalid 'info.length'")
	ErrMultiFileNotSupported = errors.New("metainfo: multi-file torrents (info.files) are not supported")
	ErrPiecesMissing       = errors.New("metainfo: missing or invalid 'info.pieces'")
	ErrPiecesLenInvalid    = errors.New("metainfo: 'info.pieces' length is not a multiple of 20 or mismatches piece count")

	// minPieceLength matches spec.md's floor on piece_length (16 KiB).
	minPieceLength = int64(16384)
)

// TorrentFile is the parsed, validated description of a single-file
// torrent: everything the tracker, storage, and peer components need.
type TorrentFile struct {
	Announce     string
	AnnounceList [][]string // BEP-12 tiers, may be empty
	InfoHash     [bytecodec.HashSize]byte
	Name         string
	Length       int64
	PieceLength  int64
	PieceHashes  [][bytecodec.HashSize]byte
}

// PieceCount returns the number of pieces implied by Length/PieceLength.
func (t *TorrentFile) PieceCount() int { return len(t.PieceHashes) }

// ParseMetainfo decodes and validates a .torrent file's raw bytes.
func ParseMetainfo(data []byte) (*TorrentFile, error) {
	d := bencode.NewDecoder(data)
	top, raw, err := d.DecodeDictWithRawValues()
	if err != nil {
		return nil, fmt.Errorf("metainfo: %w", err)
	}

	announce, ok := top["announce"].(string)
	if !ok || announce == "" {
		return nil, ErrAnnounceMissing
	}

	infoRaw, ok := raw["info"]
	if !ok {
		return nil, ErrInfoMissing
	}
	infoAny, ok := top["info"]
	if !ok {
		return nil, ErrInfoMissing
	}
	info, ok := infoAny.(map[string]any)
	if !ok {
		return nil, ErrInfoNotDict
	}

	if _, isMultiFile := info["files"]; isMultiFile {
		return nil, ErrMultiFileNotSupported
	}

	name, ok := info["name"].(string)
	if !ok || name == "" {
		return nil, ErrNameMissing
	}

	pieceLength, ok := info["piece length"].(int64)
	if !ok {
		return nil, ErrPieceLenMissing
	}
	if pieceLength <= 0 {
		return nil, ErrPieceLenNonPositive
	}
	if pieceLength < minPieceLength || pieceLength&(pieceLength-1) != 0 {
		return nil, ErrPieceLenNotPowerOf2
	}

	length, ok := info["length"].(int64)
	if !ok || length < 0 {
		return nil, ErrLengthMissing
	}

	piecesStr, ok := info["pieces"].(string)
	if !ok {
		return nil, ErrPiecesMissing
	}
	pieceHashes, err := parsePieces(piecesStr, length, pieceLength)
	if err != nil {
		return nil, err
	}

	// The info-hash is the SHA-1 of the info dictionary's raw source
	// bytes, not a re-encoding of the decoded tree: a re-encode is only
	// correct if the source already wrote its keys in sorted order.
	infoHash := bytecodec.SHA1(infoRaw)

	announceList := parseAnnounceList(top["announce-list"])

	return &TorrentFile{
		Announce:     announce,
		AnnounceList: announceList,
		InfoHash:     infoHash,
		Name:         name,
		Length:       length,
		PieceLength:  pieceLength,
		PieceHashes:  pieceHashes,
	}, nil
}

func parsePieces(pieces string, length, pieceLength int64) ([][bytecodec.HashSize]byte, error) {
	if len(pieces)%bytecodec.HashSize != 0 {
		return nil, ErrPiecesLenInvalid
	}

	expectedCount := int((length + pieceLength - 1) / pieceLength)
	if length == 0 {
		expectedCount = 0
	}
	count := len(pieces) / bytecodec.HashSize
	if count != expectedCount {
		return nil, ErrPiecesLenInvalid
	}

	hashes := make([][bytecodec.HashSize]byte, count)
	for i := 0; i < count; i++ {
		copy(hashes[i][:], pieces[i*bytecodec.HashSize:(i+1)*bytecodec.HashSize])
	}
	return hashes, nil
}

// parseAnnounceList decodes an optional BEP-12 announce-list into tiers
// of tracker URLs. Malformed entries are skipped rather than rejected,
// since announce-list is an enrichment on top of the required announce.
func parseAnnounceList(v any) [][]string {
	outer, ok := v.([]any)
	if !ok {
		return nil
	}
	tiers := make([][]string, 0, len(outer))
	for _, tierAny := range outer {
		tierList, ok := tierAny.([]any)
		if !ok {
			continue
		}
		tier := make([]string, 0, len(tierList))
		for _, urlAny := range tierList {
			if url, ok := urlAny.(string); ok && url != "" {
				tier = append(tier, url)
			}
		}
		if len(tier) > 0 {
			tiers = append(tiers, tier)
		}
	}
	return tiers
}
