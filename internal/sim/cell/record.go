package cell

import (
	"slices"

	"graspcell.ai/internal/persistence/snapshot"
)

// record writes the decision-point sensor record of each world in ids.
func (c *Cell) record(ids []int) {
	if c.Sensors == nil {
		return
	}
	for _, id := range ids {
		if !c.views[id].ok {
			continue
		}
		rec, onTable := c.sensorRecord(id)
		if onTable == 0 {
			c.logger.Printf("env %d: no object on the table", id)
		}
		path, err := c.Sensors.WriteRecord(rec)
		if err != nil {
			c.logger.Printf("env %d: write sensor record: %v", id, err)
			continue
		}
		c.logger.Printf("env %d: sensor record %s", id, path)
	}
}

func (c *Cell) sensorRecord(id int) (snapshot.Record, int) {
	w := c.Machine.World(id)
	v := c.views[id]
	rec := snapshot.Record{
		Header: snapshot.Header{
			RunID:   c.RunID,
			World:   id,
			Episode: w.Episode,
			Step:    w.Step,
			Tick:    c.tick.Load(),
		},
		EE:     v.ee.WXYZ(),
		Joints: append([]float64(nil), v.joints...),
	}
	if !slices.Contains(v.raw.Missing, ChannelDepth) {
		rec.DepthW, rec.DepthH = v.raw.DepthW, v.raw.DepthH
		rec.Depth = append([]float32(nil), v.raw.Depth...)
	}
	for k, p := range v.objects {
		if p.Pos.Z <= -c.limits.LowerTolerance {
			continue
		}
		pose := p.WXYZ()
		for j := 0; j < 3; j++ {
			pose[j] *= 100
		}
		rec.Objects = append(rec.Objects, snapshot.Object{Slot: k, Class: c.class(k), Pose: pose})
	}
	return rec, len(rec.Objects)
}
