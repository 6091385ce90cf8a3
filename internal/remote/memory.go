package remote

import (
	"bytes"
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"
)

// Op names a Drive method, for fault injection and call counting.
type Op string

const (
	OpFindOrCreateFolder     Op = "FindOrCreateFolder"
	OpFindFileByAppProperty  Op = "FindFileByAppProperty"
	OpFindFileByName         Op = "FindFileByName"
	OpUploadFile             Op = "UploadFile"
	OpListFilesModifiedSince Op = "ListFilesModifiedSince"
	OpDeleteFile             Op = "DeleteFile"
	OpGetFileContent         Op = "GetFileContent"
)

// FaultFunc decides whether a call fails. Returning nil lets it proceed.
type FaultFunc func(op Op, id FileID) error

type memFile struct {
	File
	parent  FileID
	content []byte
}

// Memory is an in-process Drive. It backs tests and offline use.
type Memory struct {
	now func() time.Time

	mu     sync.Mutex
	nextID int
	files  map[FileID]*memFile
	calls  map[Op]int
	fault  FaultFunc
}

var (
	_ Drive      = (*Memory)(nil)
	_ NameFinder = (*Memory)(nil)
)

// NewMemory returns an empty drive whose modified times come from now.
// A nil now uses time.Now.
func NewMemory(now func() time.Time) *Memory {
	if now == nil {
		now = time.Now
	}
	return &Memory{
		now:   now,
		files: make(map[FileID]*memFile),
		calls: make(map[Op]int),
	}
}

// SetFault installs fn to be consulted before every call. Nil clears it.
func (m *Memory) SetFault(fn FaultFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fault = fn
}

// Calls returns how many times op was invoked, including failed calls.
func (m *Memory) Calls(op Op) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op]
}

// ResetCalls zeroes every call counter.
func (m *Memory) ResetCalls() {
	m.mu.Lock()
	defer m.mu.Unlock()
	clear(m.calls)
}

// Files returns every non-folder file under dir, ordered by name.
func (m *Memory) Files(dir FileID) []File {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []File
	for _, f := range m.files {
		if f.parent == dir && f.MimeType != FolderMimeType {
			out = append(out, m.copyFile(f))
		}
	}
	slices.SortFunc(out, func(a, b File) int { return strings.Compare(a.Name, b.Name) })
	return out
}

// enter counts the call and applies the fault hook. m.mu must be held.
func (m *Memory) enter(ctx context.Context, op Op, id FileID) error {
	m.calls[op]++
	if err := ctx.Err(); err != nil {
		return err
	}
	if m.fault != nil {
		return m.fault(op, id)
	}
	return nil
}

func (m *Memory) copyFile(f *memFile) File {
	out := f.File
	out.AppProperties = maps.Clone(f.AppProperties)
	return out
}

func (m *Memory) FindOrCreateFolder(ctx context.Context, name string, parent FileID) (FileID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(ctx, OpFindOrCreateFolder, parent); err != nil {
		return "", err
	}

	for id, f := range m.files {
		if f.parent == parent && f.Name == name && f.MimeType == FolderMimeType {
			return id, nil
		}
	}
	id := m.newID()
	m.files[id] = &memFile{
		File:   File{ID: id, Name: name, MimeType: FolderMimeType, ModifiedTime: m.now()},
		parent: parent,
	}
	return id, nil
}

func (m *Memory) FindFileByAppProperty(ctx context.Context, key, value string, within []FileID) (FileID, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(ctx, OpFindFileByAppProperty, ""); err != nil {
		return "", false, err
	}

	ids := slices.Sorted(maps.Keys(m.files))
	for _, id := range ids {
		f := m.files[id]
		if !slices.Contains(within, f.parent) {
			continue
		}
		if v, ok := f.AppProperties[key]; ok && v == value {
			return id, true, nil
		}
	}
	return "", false, nil
}

func (m *Memory) FindFileByName(ctx context.Context, dir FileID, name string) (File, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(ctx, OpFindFileByName, dir); err != nil {
		return File{}, false, err
	}

	for _, id := range slices.Sorted(maps.Keys(m.files)) {
		f := m.files[id]
		if f.parent == dir && f.Name == name && f.MimeType != FolderMimeType {
			return m.copyFile(f), true, nil
		}
	}
	return File{}, false, nil
}

func (m *Memory) UploadFile(ctx context.Context, id FileID, meta Metadata, content []byte) (FileID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(ctx, OpUploadFile, id); err != nil {
		return "", err
	}

	if id == "" {
		id = m.newID()
	} else if _, ok := m.files[id]; !ok {
		return "", fmt.Errorf("upload %s: %w", id, ErrNotFound)
	}
	m.files[id] = &memFile{
		File: File{
			ID:            id,
			Name:          meta.Name,
			MimeType:      meta.MimeType,
			AppProperties: maps.Clone(meta.AppProperties),
			ModifiedTime:  m.now(),
			Size:          int64(len(content)),
		},
		parent:  meta.Parent,
		content: bytes.Clone(content),
	}
	return id, nil
}

func (m *Memory) ListFilesModifiedSince(ctx context.Context, dir FileID, since time.Time) ([]File, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(ctx, OpListFilesModifiedSince, dir); err != nil {
		return nil, err
	}

	out := []File{}
	for _, f := range m.files {
		if f.parent != dir || f.MimeType == FolderMimeType {
			continue
		}
		if f.ModifiedTime.Before(since) {
			continue
		}
		out = append(out, m.copyFile(f))
	}
	slices.SortFunc(out, func(a, b File) int { return a.ModifiedTime.Compare(b.ModifiedTime) })
	return out, nil
}

func (m *Memory) DeleteFile(ctx context.Context, id FileID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(ctx, OpDeleteFile, id); err != nil {
		return err
	}
	delete(m.files, id)
	return nil
}

func (m *Memory) GetFileContent(ctx context.Context, id FileID) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(ctx, OpGetFileContent, id); err != nil {
		return nil, err
	}

	f, ok := m.files[id]
	if !ok {
		return nil, fmt.Errorf("get %s: %w", id, ErrNotFound)
	}
	return bytes.Clone(f.content), nil
}

// Tamper replaces a file's content without touching its metadata.
func (m *Memory) Tamper(id FileID, content []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if f, ok := m.files[id]; ok {
		f.content = bytes.Clone(content)
	}
}

func (m *Memory) newID() FileID {
	m.nextID++
	return FileID(fmt.Sprintf("mem-%06d", m.nextID))
}
