package iot

import (
	"fmt"

	"liyu1981.xyz/smartplant-service/pkg/models"
)

const (
	criticalMoistureRatio = 0.7

	lowLightLevel       = 200
	excessiveLightLevel = 3500

	heatTemp         = 35
	criticalHeatTemp = 40
	coldTemp         = 10

	moldRiskHumidity        = 85
	dryAirHumidity          = 30
	combinedExtremeHumidity = 40
)

// Evaluate maps one reading to the alert candidates it triggers. It is pure:
// the same reading and config always yield the same candidates in the same
// order (moisture, light, temperature, humidity, pump, combined).
func Evaluate(reading *models.TelemetryReading, cfg models.SensorConfig) []models.AlertCandidate {
	var candidates []models.AlertCandidate

	add := func(category models.Category, severity models.Severity, rule models.Rule, title, body string) {
		candidates = append(candidates, models.AlertCandidate{
			OwnerID:  reading.OwnerID,
			SensorID: reading.SensorID,
			Category: category,
			Severity: severity,
			Rule:     rule,
			Title:    title,
			Body:     body,
		})
	}

	threshold := cfg.SoilMoistureThreshold
	soilDry := reading.SoilMoisture < threshold

	if soilDry {
		if reading.SoilMoisture < criticalMoistureRatio*threshold {
			add(models.CategoryMoisture, models.SeverityCritical, models.RuleSoilDry,
				"Critical soil moisture",
				fmt.Sprintf("Soil moisture is %.0f, threshold is %.0f. Irrigation required now.", reading.SoilMoisture, threshold))
		} else {
			add(models.CategoryMoisture, models.SeverityWarning, models.RuleSoilDry,
				"Low soil moisture",
				fmt.Sprintf("Soil moisture is %.0f, threshold is %.0f. Irrigation recommended.", reading.SoilMoisture, threshold))
		}
	}

	if reading.LightLevel < lowLightLevel {
		add(models.CategorySystem, models.SeverityInfo, models.RuleLowLight,
			"Low light",
			fmt.Sprintf("Light level is %.0f.", reading.LightLevel))
	} else if reading.LightLevel > excessiveLightLevel {
		add(models.CategorySystem, models.SeverityWarning, models.RuleExcessiveLight,
			"Excessive light",
			fmt.Sprintf("Light level is %.0f, plants may be stressed.", reading.LightLevel))
	}

	if reading.AirTemp > heatTemp {
		if reading.AirTemp > criticalHeatTemp {
			add(models.CategoryTemperature, models.SeverityCritical, models.RuleHeat,
				"Critical temperature",
				fmt.Sprintf("Air temperature is %.1f°C. Severe risk for the plants.", reading.AirTemp))
		} else {
			add(models.CategoryTemperature, models.SeverityWarning, models.RuleHeat,
				"High temperature",
				fmt.Sprintf("Air temperature is %.1f°C. Ventilation recommended.", reading.AirTemp))
		}
	} else if reading.AirTemp < coldTemp {
		add(models.CategoryTemperature, models.SeverityWarning, models.RuleCold,
			"Cold risk",
			fmt.Sprintf("Air temperature is %.1f°C. Frost protection recommended.", reading.AirTemp))
	}

	if reading.AirHumidity > moldRiskHumidity {
		add(models.CategoryHumidity, models.SeverityWarning, models.RuleMoldRisk,
			"Mold risk",
			fmt.Sprintf("Air humidity is %.0f%%. Risk of mold and fungal disease.", reading.AirHumidity))
	} else if reading.AirHumidity < dryAirHumidity {
		add(models.CategoryHumidity, models.SeverityInfo, models.RuleDryAir,
			"Dry air",
			fmt.Sprintf("Air humidity is %.0f%%.", reading.AirHumidity))
	}

	if reading.PumpState == 1 {
		add(models.CategorySystem, models.SeverityInfo, models.RulePumpActivated,
			"Pump activated",
			fmt.Sprintf("Irrigation started, soil moisture %.0f.", reading.SoilMoisture))
	}

	if reading.AirTemp > heatTemp && soilDry && reading.AirHumidity < combinedExtremeHumidity {
		add(models.CategorySystem, models.SeverityCritical, models.RuleCombinedExtreme,
			"Combined extreme conditions",
			fmt.Sprintf("Air temperature %.1f°C, soil moisture %.0f, air humidity %.0f%%. Immediate action required.",
				reading.AirTemp, reading.SoilMoisture, reading.AirHumidity))
	}

	return candidates
}
