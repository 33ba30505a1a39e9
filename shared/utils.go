package shared

func Chunks[k any](slice []k, chunkSize int) [][]k {
	var chunks [][]k
	for i := 0; i < len(slice); i += chunkSize {
		end := i + chunkSize
		if end > len(slice) {
			end = len(slice)
		}
		chunks = append(chunks, slice[i:end])
	}
	return chunks
}

// StoragePath is the content-addressed location of an original, e.g. originals/ab/cd/abcd...jpg
func StoragePath(f Fingerprint, ext string) string {
	h := f.String()
	return "originals/" + h[0:2] + "/" + h[2:4] + "/" + h + ext
}
