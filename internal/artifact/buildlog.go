package artifact

import (
	"os"

	"github.com/klauspost/compress/gzip"
)

// writeBuildLog gzip-compresses output to "<targetPath>.log.gz", so a
// large build failure's diagnostic log doesn't bloat the artifact cache
// directory in plain text.
func writeBuildLog(targetPath string, output []byte) error {
	f, err := os.OpenFile(targetPath+".log.gz", os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	defer f.Close()

	gw := gzip.NewWriter(f)
	if _, err := gw.Write(output); err != nil {
		gw.Close()
		return err
	}
	return gw.Close()
}
