package hedgenet

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/ezquant/hedgenet/hedgenet/plus/checkpoint"
	"github.com/ezquant/hedgenet/hedgenet/tools/log"

	"gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

const (
	metaAssets    = "assets"
	metaWindow    = "window"
	metaObjective = "objective"
)

// Save writes every parameter to the checkpoint in dir, creating dir when it
// does not exist. Optimizer state is not saved.
func (m *Model) Save(dir string) error {
	if !m.ready() {
		return ErrNotInitialized
	}
	store, err := checkpoint.Create(dir)
	if err != nil {
		return err
	}
	defer store.Close()

	values := make(map[string]*tensor.Dense, len(m.params))
	for _, p := range m.params {
		values[p.name] = p.dense()
	}
	if err := store.WriteTensors(values); err != nil {
		return fmt.Errorf("save %s: %w", dir, err)
	}
	for key, value := range map[string]string{
		metaAssets:    strconv.Itoa(m.assets),
		metaWindow:    strconv.Itoa(m.topology.Window),
		metaObjective: string(m.objective),
	} {
		if err := store.SetMeta(key, value); err != nil {
			return fmt.Errorf("save %s: %w", dir, err)
		}
	}

	log.WithFields(log.Fields{"dir": dir, "parameters": len(m.params)}).Info("checkpoint saved")
	return nil
}

// Load restores the parameters saved in dir. A model that was never
// initialized is initialized first. Checkpoints of another topology are
// rejected with ErrShapeMismatch.
func (m *Model) Load(dir string) error {
	store, err := checkpoint.Open(dir)
	if err != nil {
		return err
	}
	defer store.Close()

	if assets, err := store.Meta(metaAssets); err == nil && assets != strconv.Itoa(m.assets) {
		return fmt.Errorf("%w: checkpoint holds %s assets, model has %d", ErrShapeMismatch, assets, m.assets)
	}
	if window, err := store.Meta(metaWindow); err == nil && window != strconv.Itoa(m.topology.Window) {
		log.Warnf("checkpoint was trained on a window of %s steps, model unrolls %d", window, m.topology.Window)
	}

	values := make([]*tensor.Dense, len(m.params))
	for i, p := range m.params {
		t, err := store.Tensor(p.name)
		if errors.Is(err, checkpoint.ErrNotFound) {
			return fmt.Errorf("%w: checkpoint has no parameter %s", ErrShapeMismatch, p.name)
		}
		if err != nil {
			return err
		}
		if !t.Shape().Eq(p.node.Shape()) {
			return fmt.Errorf("%w: parameter %s is %v in the checkpoint, %v in the model",
				ErrShapeMismatch, p.name, t.Shape(), p.node.Shape())
		}
		values[i] = t
	}

	for i, p := range m.params {
		if err := gorgonia.Let(p.node, values[i]); err != nil {
			return fmt.Errorf("restore %s: %w", p.name, err)
		}
	}
	if err := m.start(); err != nil {
		return err
	}

	log.WithFields(log.Fields{"dir": dir, "parameters": len(m.params)}).Info("checkpoint restored")
	return nil
}
