package ycsbkv

import "testing"

func TestRecordClone(t *testing.T) {
	r := rec("a", "1", "b", "2")
	c := r.Clone()
	c["a"][0] = 'X'
	c["c"] = []byte("3")
	deepEqual(t, recStrings(r), map[string]string{"a": "1", "b": "2"})
	deepEqual(t, recStrings(c), map[string]string{"a": "X", "b": "2", "c": "3"})

	var nilRec Record
	if nilRec.Clone() != nil {
		t.Errorf("** nil Record cloned to non-nil")
	}
}

func TestRecordFields(t *testing.T) {
	deepEqual(t, rec("c", "", "a", "", "b", "").Fields(), []string{"a", "b", "c"})
	isempty(t, Record{}.Fields())
}

func TestRecordSubset(t *testing.T) {
	r := rec("a", "1", "b", "2")
	deepEqual(t, recStrings(r.subset(nil)), map[string]string{"a": "1", "b": "2"})
	deepEqual(t, recStrings(r.subset([]string{"b", "zz"})), map[string]string{"b": "2"})
	deepEqual(t, len(r.subset([]string{})), 0)
}
