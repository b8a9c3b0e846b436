package nexus

import (
	"fmt"

	hdf5 "github.com/sbinet/go-hdf5"
)

// appendFloat64Dataset appends vs to a chunked, unbounded float64 dataset
// within g, creating it (with the given chunk size) on first use.
func appendFloat64Dataset(g *hdf5.Group, name string, vs []float64, chunkSize int) error {
	dset, err := openOrCreateDataset(g, name, hdf5.T_NATIVE_DOUBLE, chunkSize)
	if err != nil {
		return err
	}
	defer dset.Close()
	return extendAndWriteFloat64(dset, vs)
}

func appendUint32Dataset(g *hdf5.Group, name string, vs []uint32, chunkSize int) error {
	dset, err := openOrCreateDataset(g, name, hdf5.T_NATIVE_UINT32, chunkSize)
	if err != nil {
		return err
	}
	defer dset.Close()
	return extendAndWriteUint32(dset, vs)
}

func appendInt64Dataset(g *hdf5.Group, name string, vs []int64, chunkSize int) error {
	dset, err := openOrCreateDataset(g, name, hdf5.T_NATIVE_INT64, chunkSize)
	if err != nil {
		return err
	}
	defer dset.Close()
	return extendAndWriteInt64(dset, vs)
}

// datasetExtent returns the current length of the named dataset within g,
// or 0 if it does not exist yet (no events have been appended).
func datasetExtent(g *hdf5.Group, name string) (uint32, error) {
	dset, err := g.OpenDataset(name)
	if err != nil {
		return 0, nil
	}
	defer dset.Close()
	n, err := currentExtent(dset)
	return uint32(n), err
}

func boolToUint32(b bool) uint32 {
	if b {
		return 1
	}
	return 0
}

func appendStringDataset(g *hdf5.Group, name string, v string, chunkSize int) error {
	dset, err := openOrCreateVarStringDataset(g, name, chunkSize)
	if err != nil {
		return err
	}
	defer dset.Close()
	return extendAndWriteString(dset, v)
}

func openOrCreateDataset(g *hdf5.Group, name string, dtype *hdf5.DatatypeID, chunkSize int) (*hdf5.Dataset, error) {
	dset, err := g.OpenDataset(name)
	if err == nil {
		return dset, nil
	}

	space, err := hdf5.NewDataspaceSimpleEx([]uint{0}, []uint{hdf5.COUNT_UNLIMITED})
	if err != nil {
		return nil, fmt.Errorf("nexus: create dataspace for %s: %w", name, err)
	}
	defer space.Close()

	plist, err := hdf5.NewPropList(hdf5.P_DATASET_CREATE)
	if err != nil {
		return nil, fmt.Errorf("nexus: create plist for %s: %w", name, err)
	}
	defer plist.Close()
	if err := plist.SetChunk([]uint{uint(chunkSize)}); err != nil {
		return nil, fmt.Errorf("nexus: set chunk size for %s: %w", name, err)
	}

	dset, err = g.CreateDatasetWith(name, dtype, space, plist)
	if err != nil {
		return nil, fmt.Errorf("nexus: create dataset %s: %w", name, err)
	}
	return dset, nil
}

func openOrCreateVarStringDataset(g *hdf5.Group, name string, chunkSize int) (*hdf5.Dataset, error) {
	dset, err := g.OpenDataset(name)
	if err == nil {
		return dset, nil
	}

	strType, err := hdf5.NewDatatypeFromValue("")
	if err != nil {
		return nil, fmt.Errorf("nexus: create string type for %s: %w", name, err)
	}

	space, err := hdf5.NewDataspaceSimpleEx([]uint{0}, []uint{hdf5.COUNT_UNLIMITED})
	if err != nil {
		return nil, fmt.Errorf("nexus: create dataspace for %s: %w", name, err)
	}
	defer space.Close()

	plist, err := hdf5.NewPropList(hdf5.P_DATASET_CREATE)
	if err != nil {
		return nil, fmt.Errorf("nexus: create plist for %s: %w", name, err)
	}
	defer plist.Close()
	if err := plist.SetChunk([]uint{uint(chunkSize)}); err != nil {
		return nil, fmt.Errorf("nexus: set chunk size for %s: %w", name, err)
	}

	return g.CreateDatasetWith(name, strType, space, plist)
}

// extendAndWriteFloat64 grows dset by len(vs) elements and writes vs into
// the newly-extended tail.
func extendAndWriteFloat64(dset *hdf5.Dataset, vs []float64) error {
	if len(vs) == 0 {
		return nil
	}
	cur, err := currentExtent(dset)
	if err != nil {
		return err
	}
	if err := dset.SetExtent([]uint{cur + uint(len(vs))}); err != nil {
		return fmt.Errorf("nexus: extend dataset: %w", err)
	}
	return dset.WriteSubset(vs, cur, uint(len(vs)))
}

func extendAndWriteUint32(dset *hdf5.Dataset, vs []uint32) error {
	if len(vs) == 0 {
		return nil
	}
	cur, err := currentExtent(dset)
	if err != nil {
		return err
	}
	if err := dset.SetExtent([]uint{cur + uint(len(vs))}); err != nil {
		return fmt.Errorf("nexus: extend dataset: %w", err)
	}
	return dset.WriteSubset(vs, cur, uint(len(vs)))
}

func extendAndWriteInt64(dset *hdf5.Dataset, vs []int64) error {
	if len(vs) == 0 {
		return nil
	}
	cur, err := currentExtent(dset)
	if err != nil {
		return err
	}
	if err := dset.SetExtent([]uint{cur + uint(len(vs))}); err != nil {
		return fmt.Errorf("nexus: extend dataset: %w", err)
	}
	return dset.WriteSubset(vs, cur, uint(len(vs)))
}

func extendAndWriteString(dset *hdf5.Dataset, v string) error {
	cur, err := currentExtent(dset)
	if err != nil {
		return err
	}
	if err := dset.SetExtent([]uint{cur + 1}); err != nil {
		return fmt.Errorf("nexus: extend dataset: %w", err)
	}
	return dset.WriteSubset([]string{v}, cur, 1)
}

func currentExtent(dset *hdf5.Dataset) (uint, error) {
	space := dset.Space()
	defer space.Close()
	dims, _, err := space.SimpleExtentDims()
	if err != nil {
		return 0, fmt.Errorf("nexus: read dataset extent: %w", err)
	}
	if len(dims) == 0 {
		return 0, nil
	}
	return dims[0], nil
}

func writeStringAttr(g *hdf5.Group, name, value string) error {
	return g.SetStringAttr(name, value)
}

func writeUint32Attr(g *hdf5.Group, name string, value uint32) error {
	return g.SetUint32Attr(name, value)
}

// readStringAttr and readUint32Attr are the resume-path counterparts of
// writeStringAttr/writeUint32Attr, used to reconstruct a run's identity
// from an already-written file's attributes (spec.md §4.5 "idempotent
// resume").
func readStringAttr(g *hdf5.Group, name string) (string, error) {
	return g.StringAttr(name)
}

func readUint32Attr(g *hdf5.Group, name string) (uint32, error) {
	return g.Uint32Attr(name)
}
