// Package cnnutil contains various utility functions.
package cnnutil

import (
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Window stores _size_ number of values
// and returns averages. Useful for keeping running
// track of the loss while refining an image.
type Window struct {
	V       []float64
	Index   int
	Size    int
	MinSize int
}

func NewWindow(size, minsize int) *Window {
	return &Window{
		V:       make([]float64, 0, size),
		Size:    size,
		MinSize: minsize,
	}
}

func (w *Window) Add(x float64) {
	if len(w.V) < w.Size {
		w.V = append(w.V, x)
	} else {
		w.V[w.Index] = x
		w.Index++

		if w.Index >= w.Size {
			w.Index = 0
		}
	}
}

// Average returns -1 until MinSize values have been added.
func (w *Window) Average() float64 {
	if len(w.V) < w.MinSize || len(w.V) == 0 {
		return -1
	}
	return floats.Sum(w.V) / float64(len(w.V))
}

// Full reports whether the window holds Size values.
func (w *Window) Full() bool {
	return len(w.V) == w.Size
}

func (w *Window) Reset() {
	w.V = w.V[:0]
	w.Index = 0
}

// returns min, max and indices of an array
func MaxMin(w []float64) (maxi int, maxv float64, mini int, minv, dv float64) {
	if len(w) == 0 {
		return // ... ;s
	}

	maxi, mini = floats.MaxIdx(w), floats.MinIdx(w)
	maxv, minv = w[maxi], w[mini]

	return maxi, maxv, mini, minv, maxv - minv
}

// Stats summarizes a feature map or an output vector.
type Stats struct {
	Max, Min  float64
	MaxIndex  int
	MinIndex  int
	Mean, Std float64
	Zeros     int // exact zeros, e.g. dead ReLU outputs
}

func Summarize(w []float64) Stats {
	if len(w) == 0 {
		return Stats{}
	}

	var s Stats
	s.MaxIndex, s.Max, s.MinIndex, s.Min, _ = MaxMin(w)
	s.Mean, s.Std = stat.PopMeanStdDev(w, nil)
	for _, v := range w {
		if v == 0 {
			s.Zeros++
		}
	}
	return s
}

// TopK returns the indices of the k largest values, largest first.
func TopK(w []float64, k int) []int {
	idx := make([]int, len(w))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool { return w[idx[a]] > w[idx[b]] })

	if k < len(idx) {
		idx = idx[:k]
	}
	return idx
}
