package dsm

import (
	"fmt"
	"os"
	"path/filepath"
)

// Datasets locates acquisitions under a data root laid out as
//
//	<root>/images/<dataset>/im%02d.tif
//	<root>/images/<dataset>/prev%02d.jpg
//	<root>/rpc/<dataset>/rpc%02d.xml
type Datasets struct {
	Root string
}

// Source returns the files of one image. Unknown datasets, missing images
// and missing camera models are configuration errors.
func (d Datasets) Source(dataset string, id int) (ImageSource, error) {
	if dataset == "" {
		return ImageSource{}, configErrorf("dataset name is required")
	}
	if id <= 0 {
		return ImageSource{}, configErrorf("image id must be positive, got %d", id)
	}

	dir := filepath.Join(d.Root, "images", dataset)
	if st, err := os.Stat(dir); err != nil || !st.IsDir() {
		return ImageSource{}, configErrorf("unknown dataset %q (no directory %s)", dataset, dir)
	}

	src := ImageSource{
		ID:      id,
		Image:   filepath.Join(dir, fmt.Sprintf("im%02d.tif", id)),
		Preview: filepath.Join(dir, fmt.Sprintf("prev%02d.jpg", id)),
		RPC:     filepath.Join(d.Root, "rpc", dataset, fmt.Sprintf("rpc%02d.xml", id)),
	}
	if _, err := os.Stat(src.Image); err != nil {
		return ImageSource{}, configErrorf("dataset %q has no image %d (%s)", dataset, id, src.Image)
	}
	if _, err := os.Stat(src.RPC); err != nil {
		return ImageSource{}, configErrorf("dataset %q has no camera model for image %d (%s)", dataset, id, src.RPC)
	}
	if _, err := os.Stat(src.Preview); err != nil {
		src.Preview = ""
	}
	return src, nil
}
