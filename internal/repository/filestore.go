package repository

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"channel-relay/internal/domain"
)

const (
	snapshotTimeLayout = "20060102_150405"
	defaultReadme      = "Saved chat history."
	noDescription      = "No description."
	corruptSuffix      = ".bad"
	maxSnapshotSuffix  = 100
)

// ErrCorruptTranscript marks an autosaved transcript that could not be decoded.
var ErrCorruptTranscript = errors.New("corrupt transcript")

// FileStore keeps instruction text, the live transcript and saved snapshots
// on the local filesystem.
//
// Layout:
//
//	{configDir}/chat_config_{guild}/chat_config_{channel}.txt
//	{configDir}/chat_config_{guild}/chat_history_{channel}.json
//	{saveDir}/{guild}/{label}_{timestamp}/history_{name}.json
//	{saveDir}/{guild}/{label}_{timestamp}/config_{name}.txt
//	{saveDir}/{guild}/{label}_{timestamp}/readme_{name}.txt
type FileStore struct {
	configDir string
	saveDir   string
	now       func() time.Time
}

// NewFileStore creates a FileStore rooted at the given directories.
func NewFileStore(configDir, saveDir string) (*FileStore, error) {
	configDir = strings.TrimSpace(configDir)
	saveDir = strings.TrimSpace(saveDir)
	if configDir == "" {
		return nil, errors.New("repository: config directory must not be empty")
	}
	if saveDir == "" {
		return nil, errors.New("repository: save directory must not be empty")
	}
	return &FileStore{configDir: configDir, saveDir: saveDir, now: time.Now}, nil
}

func (s *FileStore) channelDir(id domain.ConversationID) string {
	return filepath.Join(s.configDir, "chat_config_"+id.GuildID)
}

// InstructionPath returns the deterministic instruction file path for id.
func (s *FileStore) InstructionPath(id domain.ConversationID) string {
	return filepath.Join(s.channelDir(id), "chat_config_"+id.ChannelKey()+".txt")
}

func (s *FileStore) transcriptPath(id domain.ConversationID) string {
	return filepath.Join(s.channelDir(id), "chat_history_"+id.ChannelKey()+".json")
}

// ReadInstruction returns the instruction text for id. The bool is false when
// no instruction file exists.
func (s *FileStore) ReadInstruction(_ context.Context, id domain.ConversationID) (string, bool, error) {
	data, err := os.ReadFile(s.InstructionPath(id))
	if errors.Is(err, fs.ErrNotExist) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("repository: read instruction %s: %w", id, err)
	}
	return string(data), true, nil
}

// EnsureInstruction returns the instruction text, creating an empty file
// when none exists yet.
func (s *FileStore) EnsureInstruction(ctx context.Context, id domain.ConversationID) (string, error) {
	text, ok, err := s.ReadInstruction(ctx, id)
	if err != nil {
		return "", err
	}
	if ok {
		return text, nil
	}
	if err := s.WriteInstruction(ctx, id, ""); err != nil {
		return "", err
	}
	return "", nil
}

// AppendInstruction appends each line, newline-terminated, to the
// instruction file.
func (s *FileStore) AppendInstruction(_ context.Context, id domain.ConversationID, lines []string) error {
	if len(lines) == 0 {
		return nil
	}
	path := s.InstructionPath(id)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("repository: append instruction %s: %w", id, err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("repository: append instruction %s: %w", id, err)
	}
	var b strings.Builder
	for _, line := range lines {
		b.WriteString(line)
		b.WriteByte('\n')
	}
	if _, err := f.WriteString(b.String()); err != nil {
		_ = f.Close()
		return fmt.Errorf("repository: append instruction %s: %w", id, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("repository: append instruction %s: %w", id, err)
	}
	return nil
}

// WriteInstruction replaces the instruction file with text.
func (s *FileStore) WriteInstruction(_ context.Context, id domain.ConversationID, text string) error {
	if err := writeFile(s.InstructionPath(id), []byte(text)); err != nil {
		return fmt.Errorf("repository: write instruction %s: %w", id, err)
	}
	return nil
}

// DeleteInstruction removes the instruction file. A missing file is not an error.
func (s *FileStore) DeleteInstruction(_ context.Context, id domain.ConversationID) error {
	if err := os.Remove(s.InstructionPath(id)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("repository: delete instruction %s: %w", id, err)
	}
	return nil
}

// LoadTranscript returns the autosaved live transcript for id, if any. A file
// that cannot be decoded is moved aside with a timestamped ".bad" suffix and reported as
// ErrCorruptTranscript; the next load then starts from an empty history.
func (s *FileStore) LoadTranscript(_ context.Context, id domain.ConversationID) (domain.Transcript, bool, error) {
	path := s.transcriptPath(id)
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("repository: load transcript %s: %w", id, err)
	}
	t, err := domain.UnmarshalTranscript(data)
	if err != nil {
		aside := path + "." + s.now().Format(snapshotTimeLayout) + corruptSuffix
		if rerr := os.Rename(path, aside); rerr != nil {
			return nil, false, fmt.Errorf("repository: quarantine transcript %s: %w", id, errors.Join(ErrCorruptTranscript, err, rerr))
		}
		return nil, false, fmt.Errorf("repository: load transcript %s: %w", id, errors.Join(ErrCorruptTranscript, err))
	}
	return t, true, nil
}

// SaveTranscript overwrites the autosaved live transcript for id.
func (s *FileStore) SaveTranscript(_ context.Context, id domain.ConversationID, t domain.Transcript) error {
	data, err := domain.MarshalTranscript(t)
	if err != nil {
		return fmt.Errorf("repository: save transcript %s: %w", id, err)
	}
	if err := writeFile(s.transcriptPath(id), data); err != nil {
		return fmt.Errorf("repository: save transcript %s: %w", id, err)
	}
	return nil
}

// DeleteTranscript removes the autosaved transcript. A missing file is not an error.
func (s *FileStore) DeleteTranscript(_ context.Context, id domain.ConversationID) error {
	if err := os.Remove(s.transcriptPath(id)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("repository: delete transcript %s: %w", id, err)
	}
	return nil
}

// SaveSnapshot writes an immutable snapshot directory and returns its name.
func (s *FileStore) SaveSnapshot(_ context.Context, id domain.ConversationID, t domain.Transcript, instruction, label string) (string, error) {
	label = strings.TrimSpace(label)
	if label == "" {
		return "", errors.New("repository: snapshot label must not be empty")
	}
	if strings.ContainsAny(label, `/\`) {
		return "", fmt.Errorf("repository: invalid snapshot label %q", label)
	}
	history, err := domain.MarshalTranscript(t)
	if err != nil {
		return "", fmt.Errorf("repository: save snapshot: %w", err)
	}
	name, dir, err := s.claimSnapshotDir(id.GuildID, label+"_"+s.now().Format(snapshotTimeLayout))
	if err != nil {
		return "", err
	}
	files := []struct {
		path string
		data []byte
	}{
		{filepath.Join(dir, "history_"+name+".json"), history},
		{filepath.Join(dir, "config_"+name+".txt"), []byte(instruction)},
		{filepath.Join(dir, "readme_"+name+".txt"), []byte(defaultReadme)},
	}
	for _, f := range files {
		if err := writeFile(f.path, f.data); err != nil {
			return "", fmt.Errorf("repository: save snapshot %q: %w", name, err)
		}
	}
	return name, nil
}

// claimSnapshotDir creates a fresh snapshot directory named base, or base_2,
// base_3 and so on when earlier saves in the same second took the name.
func (s *FileStore) claimSnapshotDir(guildID, base string) (string, string, error) {
	guildDir := filepath.Join(s.saveDir, guildID)
	if err := os.MkdirAll(guildDir, 0o755); err != nil {
		return "", "", fmt.Errorf("repository: save snapshot: %w", err)
	}
	for n := 1; n <= maxSnapshotSuffix; n++ {
		name := base
		if n > 1 {
			name = fmt.Sprintf("%s_%d", base, n)
		}
		dir := filepath.Join(guildDir, name)
		err := os.Mkdir(dir, 0o755)
		if err == nil {
			return name, dir, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return "", "", fmt.Errorf("repository: save snapshot %q: %w", name, err)
		}
	}
	return "", "", fmt.Errorf("repository: snapshot %q already exists", base)
}

// ListSnapshots returns the snapshots saved for a guild, ordered by name.
func (s *FileStore) ListSnapshots(_ context.Context, guildID string) ([]domain.SnapshotInfo, error) {
	guildDir := filepath.Join(s.saveDir, guildID)
	entries, err := os.ReadDir(guildDir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("repository: list snapshots %s: %w", guildID, err)
	}

	out := make([]domain.SnapshotInfo, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		desc := noDescription
		data, err := os.ReadFile(filepath.Join(guildDir, e.Name(), "readme_"+e.Name()+".txt"))
		if err == nil {
			desc = strings.TrimSpace(string(data))
		}
		out = append(out, domain.SnapshotInfo{Name: e.Name(), Description: desc})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// LoadSnapshot reads a snapshot by name. The bool is false when the snapshot
// has no history file or the name is not a plain directory name.
func (s *FileStore) LoadSnapshot(_ context.Context, guildID, name string) (domain.Snapshot, bool, error) {
	name = strings.TrimSpace(name)
	if !validSnapshotName(name) {
		return domain.Snapshot{}, false, nil
	}
	dir := filepath.Join(s.saveDir, guildID, name)

	data, err := os.ReadFile(filepath.Join(dir, "history_"+name+".json"))
	if errors.Is(err, fs.ErrNotExist) {
		return domain.Snapshot{}, false, nil
	}
	if err != nil {
		return domain.Snapshot{}, false, fmt.Errorf("repository: load snapshot %q: %w", name, err)
	}
	t, err := domain.UnmarshalTranscript(data)
	if err != nil {
		return domain.Snapshot{}, false, fmt.Errorf("repository: load snapshot %q: %w", name, err)
	}

	instruction := ""
	cfg, err := os.ReadFile(filepath.Join(dir, "config_"+name+".txt"))
	switch {
	case err == nil:
		instruction = string(cfg)
	case !errors.Is(err, fs.ErrNotExist):
		return domain.Snapshot{}, false, fmt.Errorf("repository: load snapshot %q config: %w", name, err)
	}
	return domain.Snapshot{Name: name, Transcript: t, Instruction: instruction}, true, nil
}

func validSnapshotName(name string) bool {
	if name == "" || name == "." || name == ".." {
		return false
	}
	return !strings.ContainsAny(name, `/\`)
}

// writeFile writes data via a temp file and rename so readers never see a
// partially written file.
func writeFile(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}
