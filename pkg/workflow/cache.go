package workflow

import (
	"context"
	"encoding/gob"
	"io"
	"os"
	"path/filepath"
	"reflect"

	"github.com/rotisserie/eris"

	"github.com/gantryci/gantry/pkg/glog"
)

// CacheName is the file LoadCached writes next to the workflow file.
const CacheName = ".workflow_cache"

// WriteCache serialises a loaded workflow together with the declared options
// and the option values the parse ran with.
func WriteCache(writer io.Writer, wf *Workflow, options map[string]Option, optionValues map[string]string) error {
	encoder := gob.NewEncoder(writer)

	err := encoder.Encode(options)
	if err != nil {
		return eris.Wrap(err, "failed to encode options")
	}

	err = encoder.Encode(copyValues(optionValues))
	if err != nil {
		return eris.Wrap(err, "failed to encode option values")
	}

	err = encoder.Encode(wf)
	if err != nil {
		return eris.Wrap(err, "failed to encode workflow")
	}

	return nil
}

// ReadCache is the inverse of WriteCache.
func ReadCache(reader io.Reader) (*Workflow, map[string]Option, map[string]string, error) {
	decoder := gob.NewDecoder(reader)

	options := make(map[string]Option)
	err := decoder.Decode(&options)
	if err != nil {
		return nil, nil, nil, eris.Wrap(err, "failed to decode options")
	}

	optionValues := make(map[string]string)
	err = decoder.Decode(&optionValues)
	if err != nil {
		return nil, nil, nil, eris.Wrap(err, "failed to decode option values")
	}

	wf := new(Workflow)
	err = decoder.Decode(wf)
	if err != nil {
		return nil, nil, nil, eris.Wrap(err, "failed to decode workflow")
	}

	return wf, options, optionValues, nil
}

// LoadCached behaves like Load with doConfigure set but reuses the cached
// parse if the workflow file has not changed since the cache was written and
// the option values match. The cache lives next to the workflow file.
func LoadCached(ctx context.Context, filename, root string, optionValues map[string]string) (*Workflow, map[string]Option, error) {
	filename, err := filepath.Abs(filename)
	if err != nil {
		return nil, nil, err
	}

	scriptInfo, err := os.Stat(filename)
	if err != nil {
		return nil, nil, eris.Wrapf(err, "failed to check %s", filename)
	}

	cachePath := filepath.Join(filepath.Dir(filename), CacheName)
	cacheInfo, err := os.Stat(cachePath)
	if err == nil && cacheInfo.ModTime().After(scriptInfo.ModTime()) {
		hdl, err := os.Open(cachePath)
		if err == nil {
			wf, options, cachedValues, err := ReadCache(hdl)
			hdl.Close()

			if err == nil && reflect.DeepEqual(cachedValues, copyValues(optionValues)) {
				glog.Log(ctx).Debug().Msgf("using cached parse for %s", filename)
				return wf, options, nil
			}
		}
	}

	wf, options, err := Load(ctx, filename, root, optionValues, true)
	if err != nil {
		return nil, nil, err
	}

	hdl, err := os.Create(cachePath)
	if err != nil {
		glog.Log(ctx).Warn().Err(err).Msgf("failed to create workflow cache %s", cachePath)
		return wf, options, nil
	}
	defer hdl.Close()

	err = WriteCache(hdl, wf, options, optionValues)
	if err != nil {
		glog.Log(ctx).Warn().Err(err).Msgf("failed to write workflow cache %s", cachePath)
		os.Remove(cachePath)
	}

	return wf, options, nil
}

func copyValues(values map[string]string) map[string]string {
	result := make(map[string]string)
	for name, value := range values {
		result[name] = value
	}

	return result
}
