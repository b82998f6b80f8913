// Package h5io collects the handful of HDF5 operations the Stimulus Library
// and Recorder both need (grow-on-write frame datasets, fixed-shape
// timestamp/angle datasets, metadata groups) behind a small, testable
// surface so neither caller has to touch gonum.org/v1/hdf5's low-level
// dataspace/datatype API directly.
package h5io

import (
	"fmt"

	"gonum.org/v1/hdf5"
)

// File wraps an open HDF5 file for either writing (growable frame dataset)
// or reading (validation / playback).
type File struct {
	f *hdf5.File
}

// Create truncates/creates path for writing.
func Create(path string) (*File, error) {
	f, err := hdf5.CreateFile(path, hdf5.F_ACC_TRUNC)
	if err != nil {
		return nil, fmt.Errorf("h5io: create %s: %w", path, err)
	}
	return &File{f: f}, nil
}

// Open opens path read-only.
func Open(path string) (*File, error) {
	f, err := hdf5.OpenFile(path, hdf5.F_ACC_RDONLY)
	if err != nil {
		return nil, fmt.Errorf("h5io: open %s: %w", path, err)
	}
	return &File{f: f}, nil
}

// Close closes the underlying file handle.
func (f *File) Close() error {
	if f.f == nil {
		return nil
	}
	return f.f.Close()
}

// WriteFixedUint8 writes a fixed-shape dataset of frameCount frames, each
// frameSize bytes, as a single contiguous uint8 dataset of shape
// (frameCount, frameSize). Used for the stimulus library's bulk
// pre-generated frame arrays, where the full frame count is known upfront.
func (f *File) WriteFixedUint8(name string, frameCount, frameSize int, data []byte) error {
	dims := []uint{uint(frameCount), uint(frameSize)}
	space, err := hdf5.CreateSimpleDataspace(dims, nil)
	if err != nil {
		return fmt.Errorf("h5io: dataspace for %s: %w", name, err)
	}
	defer space.Close()

	dtype, err := hdf5.NewDatatypeFromType(hdf5.T_NATIVE_UCHAR)
	if err != nil {
		return fmt.Errorf("h5io: datatype for %s: %w", name, err)
	}

	dset, err := f.f.CreateDataset(name, dtype, space)
	if err != nil {
		return fmt.Errorf("h5io: creating dataset %s: %w", name, err)
	}
	defer dset.Close()

	if err := dset.Write(&data); err != nil {
		return fmt.Errorf("h5io: writing dataset %s: %w", name, err)
	}
	return nil
}

// ReadFixedUint8 reads back a dataset written by WriteFixedUint8, returning
// the flat byte buffer and the dataset's (frameCount, frameSize) shape.
func (f *File) ReadFixedUint8(name string) (data []byte, frameCount, frameSize int, err error) {
	dset, err := f.f.OpenDataset(name)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("h5io: opening dataset %s: %w", name, err)
	}
	defer dset.Close()

	space := dset.Space()
	defer space.Close()
	dims, _, err := space.SimpleExtentDims()
	if err != nil {
		return nil, 0, 0, fmt.Errorf("h5io: reading shape of %s: %w", name, err)
	}
	if len(dims) != 2 {
		return nil, 0, 0, fmt.Errorf("h5io: dataset %s has unexpected rank %d", name, len(dims))
	}
	frameCount, frameSize = int(dims[0]), int(dims[1])
	data = make([]byte, frameCount*frameSize)
	if err := dset.Read(&data); err != nil {
		return nil, 0, 0, fmt.Errorf("h5io: reading dataset %s: %w", name, err)
	}
	return data, frameCount, frameSize, nil
}

// WriteFloat64 writes a 1-D float64 dataset (angles, per-frame timestamps).
func (f *File) WriteFloat64(name string, data []float64) error {
	dims := []uint{uint(len(data))}
	space, err := hdf5.CreateSimpleDataspace(dims, nil)
	if err != nil {
		return fmt.Errorf("h5io: dataspace for %s: %w", name, err)
	}
	defer space.Close()

	dtype, err := hdf5.NewDatatypeFromType(hdf5.T_NATIVE_DOUBLE)
	if err != nil {
		return fmt.Errorf("h5io: datatype for %s: %w", name, err)
	}
	dset, err := f.f.CreateDataset(name, dtype, space)
	if err != nil {
		return fmt.Errorf("h5io: creating dataset %s: %w", name, err)
	}
	defer dset.Close()

	if err := dset.Write(&data); err != nil {
		return fmt.Errorf("h5io: writing dataset %s: %w", name, err)
	}
	return nil
}

// ReadFloat64 reads back a dataset written by WriteFloat64.
func (f *File) ReadFloat64(name string) ([]float64, error) {
	dset, err := f.f.OpenDataset(name)
	if err != nil {
		return nil, fmt.Errorf("h5io: opening dataset %s: %w", name, err)
	}
	defer dset.Close()

	space := dset.Space()
	defer space.Close()
	dims, _, err := space.SimpleExtentDims()
	if err != nil {
		return nil, fmt.Errorf("h5io: reading shape of %s: %w", name, err)
	}
	n := 1
	for _, d := range dims {
		n *= int(d)
	}
	data := make([]float64, n)
	if err := dset.Read(&data); err != nil {
		return nil, fmt.Errorf("h5io: reading dataset %s: %w", name, err)
	}
	return data, nil
}

// WriteInt64 writes a 1-D int64 dataset (frame ids, capture timestamps ns).
func (f *File) WriteInt64(name string, data []int64) error {
	dims := []uint{uint(len(data))}
	space, err := hdf5.CreateSimpleDataspace(dims, nil)
	if err != nil {
		return fmt.Errorf("h5io: dataspace for %s: %w", name, err)
	}
	defer space.Close()

	dtype, err := hdf5.NewDatatypeFromType(hdf5.T_NATIVE_LLONG)
	if err != nil {
		return fmt.Errorf("h5io: datatype for %s: %w", name, err)
	}
	dset, err := f.f.CreateDataset(name, dtype, space)
	if err != nil {
		return fmt.Errorf("h5io: creating dataset %s: %w", name, err)
	}
	defer dset.Close()

	if err := dset.Write(&data); err != nil {
		return fmt.Errorf("h5io: writing dataset %s: %w", name, err)
	}
	return nil
}

// AppendableFrameWriter wraps a chunked, extensible uint8 dataset of shape
// (N, frameSize) that grows one row at a time, used by the Recorder for
// live camera-frame capture where the final frame count isn't known until
// the recording phase ends.
type AppendableFrameWriter struct {
	f         *hdf5.File
	dset      *hdf5.Dataset
	frameSize int
	written   int
}

// CreateAppendableFrames creates a chunked, unlimited-extent dataset named
// name, chunked at one frame per chunk (tuned to the native frame row size
// per spec.md §6), ready to receive frames one at a time via Append.
func (f *File) CreateAppendableFrames(name string, frameSize int) (*AppendableFrameWriter, error) {
	dims := []uint{0, uint(frameSize)}
	maxDims := []uint{hdf5.CurrentDimsUnlimited, uint(frameSize)}
	space, err := hdf5.CreateSimpleDataspace(dims, maxDims)
	if err != nil {
		return nil, fmt.Errorf("h5io: dataspace for %s: %w", name, err)
	}
	defer space.Close()

	plist, err := hdf5.NewPropList(hdf5.P_DATASET_CREATE)
	if err != nil {
		return nil, fmt.Errorf("h5io: proplist for %s: %w", name, err)
	}
	defer plist.Close()
	if err := plist.SetChunk([]uint{1, uint(frameSize)}); err != nil {
		return nil, fmt.Errorf("h5io: set chunk for %s: %w", name, err)
	}

	dtype, err := hdf5.NewDatatypeFromType(hdf5.T_NATIVE_UCHAR)
	if err != nil {
		return nil, fmt.Errorf("h5io: datatype for %s: %w", name, err)
	}

	dset, err := f.f.CreateDatasetWith(name, dtype, space, plist)
	if err != nil {
		return nil, fmt.Errorf("h5io: creating dataset %s: %w", name, err)
	}

	return &AppendableFrameWriter{f: f.f, dset: dset, frameSize: frameSize}, nil
}

// Append extends the dataset by one row and writes frame into it. frame
// must be exactly frameSize bytes.
func (w *AppendableFrameWriter) Append(frame []byte) error {
	if len(frame) != w.frameSize {
		return fmt.Errorf("h5io: frame size %d != dataset frame size %d", len(frame), w.frameSize)
	}
	newDims := []uint{uint(w.written + 1), uint(w.frameSize)}
	if err := w.dset.Resize(newDims); err != nil {
		return fmt.Errorf("h5io: resizing dataset: %w", err)
	}

	fileSpace := w.dset.Space()
	defer fileSpace.Close()
	offset := []uint{uint(w.written), 0}
	count := []uint{1, uint(w.frameSize)}
	if err := fileSpace.SelectHyperslab(offset, nil, count, nil); err != nil {
		return fmt.Errorf("h5io: selecting hyperslab: %w", err)
	}

	memSpace, err := hdf5.CreateSimpleDataspace([]uint{1, uint(w.frameSize)}, nil)
	if err != nil {
		return fmt.Errorf("h5io: mem dataspace: %w", err)
	}
	defer memSpace.Close()

	if err := w.dset.WriteSubset(&frame, memSpace, fileSpace); err != nil {
		return fmt.Errorf("h5io: writing frame %d: %w", w.written, err)
	}
	w.written++
	return nil
}

// Count returns the number of frames appended so far.
func (w *AppendableFrameWriter) Count() int { return w.written }

// Close closes the underlying dataset.
func (w *AppendableFrameWriter) Close() error {
	if w.dset == nil {
		return nil
	}
	return w.dset.Close()
}

// WriteAttr writes a scalar string attribute on the file's root group —
// used for schema_version / session_id style metadata tags.
func (f *File) WriteAttr(name, value string) error {
	return f.f.CreateAttribute(name, value)
}
