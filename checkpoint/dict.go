package checkpoint

import (
	"fmt"

	"github.com/nlpodyssey/gopickle/types"
	"github.com/pkg/errors"
)

type entry struct {
	key   string
	value interface{}
}

// dictEntries lists the items of an unpickled dict in file order.
func dictEntries(obj interface{}) ([]entry, error) {
	var entries []entry
	add := func(k, v interface{}) error {
		s, ok := k.(string)
		if !ok {
			return errors.Errorf("non-string key %v", k)
		}
		entries = append(entries, entry{key: s, value: v})
		return nil
	}

	switch d := obj.(type) {
	case *types.OrderedDict:
		for el := d.List.Front(); el != nil; el = el.Next() {
			e := el.Value.(*types.OrderedDictEntry)
			if err := add(e.Key, e.Value); err != nil {
				return nil, err
			}
		}
		return entries, nil
	case *types.Dict:
		for _, e := range *d {
			if err := add(e.Key, e.Value); err != nil {
				return nil, err
			}
		}
		return entries, nil
	case map[string]interface{}:
		for k, v := range d {
			entries = append(entries, entry{key: k, value: v})
		}
		return entries, nil
	}

	return nil, errors.Errorf("expected a dict, got %s", typeName(obj))
}

// tupleItems unpacks an unpickled tuple or list.
func tupleItems(obj interface{}) ([]interface{}, bool) {
	switch t := obj.(type) {
	case *types.Tuple:
		items := make([]interface{}, t.Len())
		for i := range items {
			items[i] = t.Get(i)
		}
		return items, true
	case *types.List:
		items := make([]interface{}, t.Len())
		for i := range items {
			items[i] = t.Get(i)
		}
		return items, true
	case []interface{}:
		return t, true
	}
	return nil, false
}

func typeName(obj interface{}) string {
	if obj == nil {
		return "None"
	}
	return fmt.Sprintf("%T", obj)
}
