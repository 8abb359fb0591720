package checkpoint

import (
	"bufio"
	"encoding/json"
	"os"

	"github.com/pkg/errors"
)

type jsonFile struct {
	Tensors StateDict `json:"tensors"`
}

func loadJSON(path string) (StateDict, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var data jsonFile
	if err := json.NewDecoder(bufio.NewReader(f)).Decode(&data); err != nil {
		return nil, errors.Wrap(err, "decoding json")
	}

	for name, t := range data.Tensors {
		if t == nil || t.Len() != len(t.Data) {
			return nil, errors.Errorf("tensor %q: data does not match its shape", name)
		}
	}

	return data.Tensors, nil
}

// Save writes sd as JSON.
func Save(path string, sd StateDict) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "checkpoint: creating file")
	}

	w := bufio.NewWriter(f)
	if err := json.NewEncoder(w).Encode(jsonFile{Tensors: sd}); err != nil {
		f.Close()
		return errors.Wrap(err, "checkpoint: encoding json")
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return errors.Wrap(err, "checkpoint: writing file")
	}

	return errors.Wrap(f.Close(), "checkpoint: closing file")
}
