package docstore

import "fmt"

type docRef struct{ collection, id string }

// staged is the result of applying one transaction's operations to copies
// of the documents they touch. docs and deleted never share a key.
type staged struct {
	order   []docRef // first-touch order
	docs    map[docRef]Document
	deleted map[docRef]bool
}

// stage applies ops in order on top of the committed state returned by base.
// Several operations on one document fold into a single final document, so
// every store writes each document at most once per transaction.
func stage(ops []Operation, base func(docRef) (Document, bool)) (*staged, error) {
	s := &staged{
		docs:    make(map[docRef]Document),
		deleted: make(map[docRef]bool),
	}
	seen := make(map[docRef]bool)

	lookup := func(ref docRef) (Document, bool) {
		if s.deleted[ref] {
			return nil, false
		}
		if d, ok := s.docs[ref]; ok {
			return d, true
		}
		if d, ok := base(ref); ok {
			c := d.Clone()
			if c == nil {
				c = Document{}
			}
			s.docs[ref] = c
			return c, true
		}
		return nil, false
	}

	for i, op := range ops {
		if err := op.Validate(); err != nil {
			return nil, fmt.Errorf("op %d: %w", i, err)
		}
		ref := docRef{op.Collection, op.DocID}
		if !seen[ref] {
			seen[ref] = true
			s.order = append(s.order, ref)
		}

		switch op.Type {
		case OpUpdate, OpIncrement:
			doc, ok := lookup(ref)
			if !ok {
				return nil, fmt.Errorf("op %d update %s/%s: %w", i, op.Collection, op.DocID, ErrNotFound)
			}
			if err := ApplyFields(doc, op.Data); err != nil {
				return nil, fmt.Errorf("op %d: %w", i, err)
			}
		case OpSet:
			doc, ok := lookup(ref)
			if !ok || !op.Merge {
				doc = Document{}
			}
			if err := ApplyFields(doc, op.Data); err != nil {
				return nil, fmt.Errorf("op %d: %w", i, err)
			}
			s.docs[ref] = doc
			delete(s.deleted, ref)
		case OpDelete:
			delete(s.docs, ref)
			s.deleted[ref] = true
		}
	}
	return s, nil
}
