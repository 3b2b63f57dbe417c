package docstore

import (
	"context"
	"reflect"
	"sort"
	"sync"
)

// MemStore хранит документы в памяти процесса. Используется в тестах и локально.
type MemStore struct {
	mu   sync.Mutex
	docs map[string]Document

	// FailWith, если задан, возвращается из каждого вызова (эмуляция сбоев).
	FailWith error
}

func NewMemStore() *MemStore {
	return &MemStore{docs: map[string]Document{}}
}

func (s *MemStore) GetUser(_ context.Context, uid string) (Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWith != nil {
		return nil, s.FailWith
	}
	doc, ok := s.docs[uid]
	if !ok {
		return nil, ErrNotFound
	}
	return withID(cloneDocument(doc), uid), nil
}

func (s *MemStore) MergeUser(_ context.Context, uid string, f Fields) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWith != nil {
		return s.FailWith
	}
	doc, ok := s.docs[uid]
	if !ok {
		return ErrNotFound
	}
	applyFields(doc, f)
	return nil
}

func (s *MemStore) CreateUser(_ context.Context, uid string, doc Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWith != nil {
		return s.FailWith
	}
	if _, ok := s.docs[uid]; ok {
		return nil
	}
	d := cloneDocument(doc)
	if d == nil {
		d = Document{}
	}
	delete(d, FieldID)
	s.docs[uid] = d
	return nil
}

func (s *MemStore) QueryUsers(_ context.Context, field string, value any) ([]Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWith != nil {
		return nil, s.FailWith
	}
	uids := make([]string, 0, len(s.docs))
	for uid := range s.docs {
		uids = append(uids, uid)
	}
	sort.Strings(uids)

	var out []Document
	for _, uid := range uids {
		doc := s.docs[uid]
		if v, ok := doc[field]; ok && reflect.DeepEqual(v, value) {
			out = append(out, withID(cloneDocument(doc), uid))
		}
	}
	return out, nil
}

func (s *MemStore) Ping(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.FailWith
}

func (s *MemStore) Close(context.Context) error { return nil }

// SetFailure включает или выключает эмуляцию сбоя.
func (s *MemStore) SetFailure(err error) {
	s.mu.Lock()
	s.FailWith = err
	s.mu.Unlock()
}

// Put кладёт документ как есть, в том числе в устаревшем формате.
func (s *MemStore) Put(uid string, doc Document) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs[uid] = cloneDocument(doc)
}

func withID(doc Document, uid string) Document {
	doc[FieldID] = uid
	return doc
}
