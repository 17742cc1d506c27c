package main

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"

	"github.com/mtzanidakis/scriptcrew/internal/config"
	"github.com/mtzanidakis/scriptcrew/internal/store"
)

// Archive sections. Every entry is stored as "<section>/<relative path>".
const (
	sectionDB   = "db"
	sectionNATS = "nats"
)

// archiveSource maps a section to a directory on disk. When files is set
// only those names inside dir are archived.
type archiveSource struct {
	section string
	dir     string
	files   []string
}

func backupSources(cfg *config.Config) []archiveSource {
	dbDir, dbFile := filepath.Split(cfg.Store.Path)
	if dbDir == "" {
		dbDir = "."
	}
	return []archiveSource{
		{section: sectionDB, dir: dbDir, files: []string{dbFile}},
		{section: sectionNATS, dir: cfg.NATS.DataDir},
	}
}

func restoreTargets(cfg *config.Config) map[string]string {
	dbDir := filepath.Dir(cfg.Store.Path)
	return map[string]string{
		sectionDB:   dbDir,
		sectionNATS: cfg.NATS.DataDir,
	}
}

func runBackup(args []string) error {
	var outputPath string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "-f":
			if i+1 >= len(args) {
				return fmt.Errorf("missing value for -f")
			}
			i++
			outputPath = args[i]
		}
	}
	if outputPath == "" {
		fmt.Fprintf(os.Stderr, "Usage: scriptcrew backup -f <output.tar.zst>\n")
		return fmt.Errorf("missing -f flag")
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// Fold the WAL into the database file so a single file is enough.
	db, err := store.New(cfg.Store)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	if err := db.Checkpoint(); err != nil {
		db.Close()
		return fmt.Errorf("checkpoint store: %w", err)
	}
	db.Close()

	f, err := os.Create(outputPath)
	if err != nil {
		return fmt.Errorf("create output file: %w", err)
	}
	defer f.Close()

	count, err := writeArchive(f, backupSources(cfg))
	if err != nil {
		return err
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close file: %w", err)
	}

	info, _ := os.Stat(outputPath)
	size := int64(0)
	if info != nil {
		size = info.Size()
	}
	fmt.Printf("Backup complete: %d files, %s\n", count, formatSize(size))
	return nil
}

// writeArchive streams every source into a zstd-compressed tar on w and
// returns the number of regular files written.
func writeArchive(w io.Writer, sources []archiveSource) (int, error) {
	zw, err := zstd.NewWriter(w)
	if err != nil {
		return 0, fmt.Errorf("create zstd writer: %w", err)
	}
	defer zw.Close()

	tw := tar.NewWriter(zw)
	defer tw.Close()

	count := 0
	for _, src := range sources {
		slog.Info("backing up", "section", src.section, "dir", src.dir)
		n, err := archiveSection(tw, src)
		if err != nil {
			return count, fmt.Errorf("backup %s: %w", src.section, err)
		}
		count += n
	}

	if err := tw.Close(); err != nil {
		return count, fmt.Errorf("close tar: %w", err)
	}
	if err := zw.Close(); err != nil {
		return count, fmt.Errorf("close zstd: %w", err)
	}
	return count, nil
}

func archiveSection(tw *tar.Writer, src archiveSource) (int, error) {
	if len(src.files) > 0 {
		count := 0
		for _, name := range src.files {
			p := filepath.Join(src.dir, name)
			info, err := os.Stat(p)
			if errors.Is(err, fs.ErrNotExist) {
				slog.Warn("skipping missing file", "path", p)
				continue
			}
			if err != nil {
				return count, err
			}
			if err := addFile(tw, p, path.Join(src.section, name), info); err != nil {
				return count, err
			}
			count++
		}
		return count, nil
	}

	if _, err := os.Stat(src.dir); errors.Is(err, fs.ErrNotExist) {
		slog.Warn("skipping missing directory", "dir", src.dir)
		return 0, nil
	}

	count := 0
	err := filepath.WalkDir(src.dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src.dir, p)
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		name := path.Join(src.section, filepath.ToSlash(rel))
		if d.IsDir() {
			hdr, err := tar.FileInfoHeader(info, "")
			if err != nil {
				return err
			}
			hdr.Name = name + "/"
			return tw.WriteHeader(hdr)
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		count++
		return addFile(tw, p, name, info)
	})
	return count, err
}

func addFile(tw *tar.Writer, p, name string, info fs.FileInfo) error {
	hdr, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return fmt.Errorf("tar header %s: %w", p, err)
	}
	hdr.Name = name
	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("write tar header: %w", err)
	}
	f, err := os.Open(p)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := io.Copy(tw, f); err != nil {
		return fmt.Errorf("write tar data: %w", err)
	}
	return nil
}

func runRestore(args []string) error {
	var inputPath string
	overwrite := false
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "-f":
			if i+1 >= len(args) {
				return fmt.Errorf("missing value for -f")
			}
			i++
			inputPath = args[i]
		case "-overwrite":
			overwrite = true
		}
	}
	if inputPath == "" {
		fmt.Fprintf(os.Stderr, "Usage: scriptcrew restore -f <backup.tar.zst> [-overwrite]\n")
		return fmt.Errorf("missing -f flag")
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	f, err := os.Open(inputPath)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer f.Close()

	count, err := extractArchive(f, restoreTargets(cfg), overwrite)
	if err != nil {
		return err
	}
	fmt.Printf("Restore complete: %d files\n", count)
	return nil
}

// extractArchive writes the entries of a backup archive into the directory
// mapped to their section. Entries of unknown sections are skipped. Existing
// files are only replaced when overwrite is set.
func extractArchive(r io.Reader, targets map[string]string, overwrite bool) (int, error) {
	zr, err := zstd.NewReader(r)
	if err != nil {
		return 0, fmt.Errorf("create zstd reader: %w", err)
	}
	defer zr.Close()

	tr := tar.NewReader(zr)
	count := 0
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return count, fmt.Errorf("read tar entry: %w", err)
		}

		section, rel := splitArchivePath(hdr.Name)
		root, ok := targets[section]
		if !ok {
			continue
		}
		if rel == "./" {
			if err := os.MkdirAll(root, 0o755); err != nil {
				return count, err
			}
			continue
		}
		if !filepath.IsLocal(filepath.FromSlash(strings.TrimSuffix(rel, "/"))) {
			return count, fmt.Errorf("archive entry %q escapes its section", hdr.Name)
		}
		dest := filepath.Join(root, filepath.FromSlash(rel))

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(dest, 0o755); err != nil {
				return count, err
			}
		case tar.TypeReg:
			if !overwrite {
				if _, err := os.Stat(dest); err == nil {
					return count, fmt.Errorf("%s already exists, add -overwrite to replace files", dest)
				}
			}
			if err := writeFile(dest, tr, hdr.FileInfo().Mode().Perm()); err != nil {
				return count, err
			}
			count++
		default:
			slog.Warn("skipping unsupported archive entry", "name", hdr.Name)
		}
	}
	return count, nil
}

func writeFile(dest string, r io.Reader, perm fs.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return fmt.Errorf("create %s: %w", dest, err)
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", dest, err)
	}
	return f.Close()
}

// splitArchivePath splits "nats/jetstream/meta" into ("nats", "jetstream/meta").
// Returns an empty section for entries outside the known sections.
func splitArchivePath(name string) (section, relPath string) {
	name = strings.TrimLeft(name, "./")
	if name == "" {
		return "", ""
	}

	idx := strings.IndexByte(name, '/')
	if idx < 0 {
		section, relPath = name, "./"
	} else {
		section, relPath = name[:idx], name[idx+1:]
		if relPath == "" {
			relPath = "./"
		}
	}

	if section != sectionDB && section != sectionNATS {
		return "", ""
	}
	return section, relPath
}

func formatSize(bytes int64) string {
	const (
		kb = 1024
		mb = kb * 1024
		gb = mb * 1024
	)
	switch {
	case bytes >= gb:
		return fmt.Sprintf("%.1f GB", float64(bytes)/float64(gb))
	case bytes >= mb:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(mb))
	case bytes >= kb:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(kb))
	default:
		return fmt.Sprintf("%d bytes", bytes)
	}
}
