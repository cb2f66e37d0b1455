package stateest_test

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	stateest "github.com/edp1096/state-estimation"
)

func TestVoltageProjectsMagnitudeOntoCurrentAngle(t *testing.T) {
	meas := stateest.NewMeasurementSet(1, 1)
	unitVar := stateest.RealVec{K: 1, Data: []float64{1e-6}}
	meas.SetVoltage(0, stateest.VoltageMeasurement{
		Magnitude: stateest.PhaseVec{complex(1.05, 0)},
		Variance:  unitVar,
	})

	theta := 0.2
	current := stateest.PhaseVec{complex(0.9*math.Cos(theta), 0.9*math.Sin(theta))}
	got := meas.Voltage(0, current)

	require.InDelta(t, 1.05, stateest.Cabs(got).Data[0], 1e-9)
	gotTheta := math.Atan2(imag(got[0]), real(got[0]))
	require.InDelta(t, theta, gotTheta, 1e-9)
}

func TestVoltageWithAngleMeasurementUsesMeasuredAngle(t *testing.T) {
	meas := stateest.NewMeasurementSet(1, 1)
	unitVar := stateest.RealVec{K: 1, Data: []float64{1e-6}}
	meas.SetVoltage(0, stateest.VoltageMeasurement{
		Magnitude: stateest.PhaseVec{complex(1.0, 0)},
		Angle:     stateest.RealVec{K: 1, Data: []float64{0.5}},
		HasAngle:  true,
		Variance:  unitVar,
	})

	require.True(t, meas.HasAngleMeasurement())
	got := meas.Voltage(0, stateest.PhaseVec{complex(1, 0)})
	gotTheta := math.Atan2(imag(got[0]), real(got[0]))
	require.InDelta(t, 0.5, gotTheta, 1e-9)
}

func TestMeanAngleShiftDefaultsToZero(t *testing.T) {
	meas := stateest.NewMeasurementSet(1, 1)
	require.Equal(t, 0.0, meas.MeanAngleShift())
	meas.SetMeanAngleShift(0.1)
	require.Equal(t, 0.1, meas.MeanAngleShift())
}

func TestHasBusInjectionReflectsSetInjection(t *testing.T) {
	meas := stateest.NewMeasurementSet(2, 1)
	require.False(t, meas.HasBusInjection(0))
	v := stateest.RealVec{K: 1, Data: []float64{1e-4}}
	meas.SetInjection(0, stateest.PowerMeasurement{
		Value:     stateest.PhaseVec{complex(0.1, 0.02)},
		PVariance: v,
		QVariance: v,
	})
	require.True(t, meas.HasBusInjection(0))
	require.False(t, meas.HasBusInjection(1))
}
