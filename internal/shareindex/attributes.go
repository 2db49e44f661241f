package shareindex

import "strings"

// AttributeExtractor derives audio attributes for one file, given its
// absolute path and size. The default implementation below only classifies
// by extension (lossless vs lossy); a deployment with real audio-header
// parsing can supply its own extractor to the Indexer.
type AttributeExtractor func(absPath string, size uint64) FileAttributes

var losslessExtensions = map[string]bool{
	".flac": true, ".ape": true, ".wav": true, ".wv": true, ".alac": true,
}

// defaultAttributeExtractor sets only the Lossless flag from the file
// extension; bitrate/length/sample-rate/bit-depth are left at zero, the
// value the Soulseek protocol library treats as "unknown".
func defaultAttributeExtractor(absPath string, size uint64) FileAttributes {
	ext := strings.ToLower(extensionOf(absPath))
	return FileAttributes{Lossless: losslessExtensions[ext]}
}

func extensionOf(name string) string {
	idx := strings.LastIndexByte(name, '.')
	if idx < 0 || idx == len(name)-1 {
		return ""
	}
	return name[idx:]
}
