package flash

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"compress/gzip"
	"context"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// StepKind distinguishes partition writes from bootloader reboots.
type StepKind string

const (
	StepFlash            StepKind = "flash"
	StepRebootBootloader StepKind = "reboot-bootloader"
)

// Step is one ordered manifest entry.
type Step struct {
	Kind      StepKind
	Partition string
	Image     string
	Args      []string
}

func (s Step) String() string {
	if s.Kind == StepRebootBootloader {
		return "reboot bootloader"
	}
	return s.Partition + " <- " + filepath.Base(s.Image)
}

// Manifest is the ordered flashing plan of an extracted build.
type Manifest struct {
	Dir   string
	Steps []Step
}

// Partitions counts the flash steps.
func (m *Manifest) Partitions() int {
	n := 0
	for _, s := range m.Steps {
		if s.Kind == StepFlash {
			n++
		}
	}
	return n
}

// Unpacker turns a downloaded artifact into a manifest. Format problems are
// reported as ErrIntegrityCheckFailed.
type Unpacker interface {
	Prepare(ctx context.Context, artifactPath, codename string) (*Manifest, error)
}

var vbmetaArgs = []string{"--disable-verity", "--disable-verification"}

// BuildManifest scans an extracted factory image directory. bootloader and
// radio are followed by a bootloader reboot; super_*.img split images are
// flashed in name order, otherwise system/product/vendor.
func BuildManifest(dir, codename string) (*Manifest, error) {
	bootloader, err := newestMatch(dir, "bootloader-"+codename+"-*.img")
	if err != nil {
		return nil, err
	}
	radio, err := newestMatch(dir, "radio-"+codename+"-*.img")
	if err != nil {
		return nil, err
	}
	m := &Manifest{Dir: dir}
	m.Steps = append(m.Steps,
		Step{Kind: StepFlash, Partition: "bootloader", Image: bootloader},
		Step{Kind: StepRebootBootloader},
		Step{Kind: StepFlash, Partition: "radio", Image: radio},
		Step{Kind: StepRebootBootloader},
	)
	for _, part := range []string{"boot", "vendor_boot", "dtbo"} {
		img, err := requireImage(dir, part)
		if err != nil {
			return nil, err
		}
		m.Steps = append(m.Steps, Step{Kind: StepFlash, Partition: part, Image: img})
	}

	supers, _ := filepath.Glob(filepath.Join(dir, "super_*.img"))
	if len(supers) > 0 {
		sort.Strings(supers)
		for _, img := range supers {
			m.Steps = append(m.Steps, Step{Kind: StepFlash, Partition: "super", Image: img})
		}
	} else {
		for _, part := range []string{"system", "product", "vendor"} {
			img, err := requireImage(dir, part)
			if err != nil {
				return nil, errors.Wrap(err, "expected either super_*.img split images or system/product/vendor")
			}
			m.Steps = append(m.Steps, Step{Kind: StepFlash, Partition: part, Image: img})
		}
	}

	vbmeta, err := requireImage(dir, "vbmeta")
	if err != nil {
		return nil, err
	}
	m.Steps = append(m.Steps, Step{Kind: StepFlash, Partition: "vbmeta", Image: vbmeta, Args: vbmetaArgs})
	return m, nil
}

func newestMatch(dir, pattern string) (string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, pattern))
	if err != nil {
		return "", errors.Wrapf(err, "glob %s", pattern)
	}
	if len(matches) == 0 {
		return "", errors.Wrapf(ErrIntegrityCheckFailed, "missing %s in %s", pattern, dir)
	}
	sort.Strings(matches)
	return matches[len(matches)-1], nil
}

func requireImage(dir, partition string) (string, error) {
	path := filepath.Join(dir, partition+".img")
	if info, err := os.Stat(path); err != nil || info.IsDir() {
		return "", errors.Wrapf(ErrIntegrityCheckFailed, "missing %s.img in %s", partition, dir)
	}
	return path, nil
}

// ArchiveUnpacker extracts zip, tar and tar.gz factory images next to the
// artifact. Directories are used in place.
type ArchiveUnpacker struct{}

// Prepare implements Unpacker.
func (ArchiveUnpacker) Prepare(ctx context.Context, artifactPath, codename string) (*Manifest, error) {
	info, err := os.Stat(artifactPath)
	if err != nil {
		return nil, errors.Wrapf(ErrIntegrityCheckFailed, "stat artifact: %v", err)
	}
	root := artifactPath
	if !info.IsDir() {
		root = archiveBase(artifactPath) + "-extracted"
		if err := extractArchive(ctx, artifactPath, root); err != nil {
			return nil, err
		}
	}
	dir, err := findBundleDir(root, codename)
	if err != nil {
		return nil, err
	}
	return BuildManifest(dir, codename)
}

type archiveFormat string

const (
	formatZip   archiveFormat = "zip"
	formatTar   archiveFormat = "tar"
	formatTarGz archiveFormat = "tar.gz"
)

func archiveBase(path string) string {
	lower := strings.ToLower(path)
	for _, ext := range []string{".tar.gz", ".tgz", ".tar", ".zip"} {
		if strings.HasSuffix(lower, ext) {
			return path[:len(path)-len(ext)]
		}
	}
	return strings.TrimSuffix(path, filepath.Ext(path))
}

// sniffFormat detects the archive type from its magic bytes.
func sniffFormat(path string) (archiveFormat, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", errors.Wrap(err, "open artifact")
	}
	defer f.Close()
	head := make([]byte, 512)
	n, err := io.ReadFull(f, head)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return "", errors.Wrap(err, "read artifact header")
	}
	head = head[:n]
	switch {
	case bytes.HasPrefix(head, []byte("PK\x03\x04")), bytes.HasPrefix(head, []byte("PK\x05\x06")):
		return formatZip, nil
	case bytes.HasPrefix(head, []byte{0x1f, 0x8b}):
		return formatTarGz, nil
	case len(head) >= 262 && string(head[257:262]) == "ustar":
		return formatTar, nil
	}
	return "", errors.Wrapf(ErrIntegrityCheckFailed, "unsupported archive format: %s", filepath.Base(path))
}

func extractArchive(ctx context.Context, src, dest string) error {
	marker := filepath.Join(dest, ".complete")
	if _, err := os.Stat(marker); err == nil {
		log.Info().Str("dir", dest).Msg("reuse extracted bundle")
		return nil
	}
	format, err := sniffFormat(src)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(dest); err != nil {
		return errors.Wrap(err, "clean extract dir")
	}
	var files int
	switch format {
	case formatZip:
		files, err = extractZip(ctx, src, dest)
	default:
		files, err = extractTar(ctx, src, dest, format == formatTarGz)
	}
	if err != nil {
		return err
	}
	log.Info().Str("src", filepath.Base(src)).Str("format", string(format)).
		Str("dir", dest).Int("files", files).Msg("bundle extracted")
	return os.WriteFile(marker, nil, 0o644)
}

// entryTarget joins name under dest and rejects entries escaping it.
func entryTarget(dest, name string) (string, error) {
	target := filepath.Join(dest, name)
	if !strings.HasPrefix(target, filepath.Clean(dest)+string(os.PathSeparator)) {
		return "", errors.Wrapf(ErrIntegrityCheckFailed, "archive entry escapes target: %s", name)
	}
	return target, nil
}

func extractZip(ctx context.Context, src, dest string) (int, error) {
	r, err := zip.OpenReader(src)
	if err != nil {
		return 0, errors.Wrapf(ErrIntegrityCheckFailed, "open zip %s: %v", filepath.Base(src), err)
	}
	defer r.Close()

	for _, f := range r.File {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		target, err := entryTarget(dest, f.Name)
		if err != nil {
			return 0, err
		}
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return 0, errors.Wrap(err, "create dir")
			}
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return 0, errors.Wrapf(ErrIntegrityCheckFailed, "open zip entry %s: %v", f.Name, err)
		}
		err = writeEntry(rc, target, f.Name)
		rc.Close()
		if err != nil {
			return 0, err
		}
	}
	return len(r.File), nil
}

func extractTar(ctx context.Context, src, dest string, gzipped bool) (int, error) {
	f, err := os.Open(src)
	if err != nil {
		return 0, errors.Wrap(err, "open artifact")
	}
	defer f.Close()
	var stream io.Reader = f
	if gzipped {
		gz, err := gzip.NewReader(f)
		if err != nil {
			return 0, errors.Wrapf(ErrIntegrityCheckFailed, "open gzip %s: %v", filepath.Base(src), err)
		}
		defer gz.Close()
		stream = gz
	}

	tr := tar.NewReader(stream)
	files := 0
	for {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		hdr, err := tr.Next()
		if err == io.EOF {
			return files, nil
		}
		if err != nil {
			return 0, errors.Wrapf(ErrIntegrityCheckFailed, "read tar %s: %v", filepath.Base(src), err)
		}
		target, err := entryTarget(dest, hdr.Name)
		if err != nil {
			return 0, err
		}
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return 0, errors.Wrap(err, "create dir")
			}
		case tar.TypeReg:
			if err := writeEntry(tr, target, hdr.Name); err != nil {
				return 0, err
			}
			files++
		default:
			log.Debug().Str("entry", hdr.Name).Msg("skip non-regular tar entry")
		}
	}
}

func writeEntry(r io.Reader, target, name string) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return errors.Wrap(err, "create dir")
	}
	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return errors.Wrap(err, "create file")
	}
	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		return errors.Wrapf(ErrIntegrityCheckFailed, "extract %s: %v", name, err)
	}
	return out.Close()
}

// findBundleDir returns root or the first nested directory holding the
// bootloader image.
func findBundleDir(root, codename string) (string, error) {
	pattern := "bootloader-" + codename + "-*.img"
	var found string
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() || found != "" {
			return nil
		}
		if matches, _ := filepath.Glob(filepath.Join(path, pattern)); len(matches) > 0 {
			found = path
			return filepath.SkipAll
		}
		return nil
	})
	if err != nil {
		return "", errors.Wrap(err, "scan bundle")
	}
	if found == "" {
		return "", errors.Wrapf(ErrIntegrityCheckFailed, "no %s factory image found in %s", codename, root)
	}
	return found, nil
}
