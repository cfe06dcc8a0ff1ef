package forms

import (
	"fmt"
	"strings"
	"time"
)

type Hazard struct {
	Description        string `json:"description"`
	Harm               string `json:"harm"`
	ExistingControls   string `json:"existingControls"`
	Likelihood         int    `json:"likelihood"`
	Severity           int    `json:"severity"`
	Score              int    `json:"score"`
	Rating             Rating `json:"rating"`
	AdditionalControls string `json:"additionalControls"`
	ResidualLikelihood int    `json:"residualLikelihood"`
	ResidualSeverity   int    `json:"residualSeverity"`
	ResidualScore      int    `json:"residualScore"`
	ResidualRating     Rating `json:"residualRating"`
	ActionOwner        string `json:"actionOwner"`
	ActionDue          string `json:"actionDue,omitempty"`
}

type RiskAssessment struct {
	Activity        string   `json:"activity"`
	Location        string   `json:"location"`
	Assessor        string   `json:"assessor"`
	AssessmentDate  string   `json:"assessmentDate,omitempty"`
	PersonsAtRisk   []string `json:"personsAtRisk"`
	Hazards         []Hazard `json:"hazards"`
	OverallResidual Rating   `json:"overallResidualRating"`
}

func normalizeRiskAssessment(raw []byte) (RiskAssessment, error) {
	var form RiskAssessment
	if err := decodeStrict(raw, &form); err != nil {
		return RiskAssessment{}, err
	}
	form.Activity = strings.TrimSpace(form.Activity)
	form.Location = strings.TrimSpace(form.Location)
	form.Assessor = strings.TrimSpace(form.Assessor)
	form.PersonsAtRisk = cleanList(form.PersonsAtRisk)

	date, err := validDate("assessmentDate", form.AssessmentDate)
	if err != nil {
		return RiskAssessment{}, err
	}
	form.AssessmentDate = date

	hazards := make([]Hazard, 0, len(form.Hazards))
	residuals := make([]Rating, 0, len(form.Hazards))
	for i, hazard := range form.Hazards {
		field := fmt.Sprintf("hazards[%d]", i)
		hazard.Description = strings.TrimSpace(hazard.Description)
		if hazard.Description == "" {
			return RiskAssessment{}, invalid(field+".description", "is required")
		}
		hazard.Harm = strings.TrimSpace(hazard.Harm)
		hazard.ExistingControls = strings.TrimSpace(hazard.ExistingControls)
		hazard.AdditionalControls = strings.TrimSpace(hazard.AdditionalControls)
		hazard.ActionOwner = strings.TrimSpace(hazard.ActionOwner)

		if err := inScale(field+".likelihood", hazard.Likelihood); err != nil {
			return RiskAssessment{}, err
		}
		if err := inScale(field+".severity", hazard.Severity); err != nil {
			return RiskAssessment{}, err
		}
		if hazard.ResidualLikelihood == 0 {
			hazard.ResidualLikelihood = hazard.Likelihood
		}
		if hazard.ResidualSeverity == 0 {
			hazard.ResidualSeverity = hazard.Severity
		}
		if err := inScale(field+".residualLikelihood", hazard.ResidualLikelihood); err != nil {
			return RiskAssessment{}, err
		}
		if err := inScale(field+".residualSeverity", hazard.ResidualSeverity); err != nil {
			return RiskAssessment{}, err
		}

		hazard.Score = hazard.Likelihood * hazard.Severity
		hazard.Rating = Rate(hazard.Score)
		hazard.ResidualScore = hazard.ResidualLikelihood * hazard.ResidualSeverity
		hazard.ResidualRating = Rate(hazard.ResidualScore)
		if hazard.ResidualScore > hazard.Score {
			return RiskAssessment{}, invalid(field+".residualScore", "may not exceed the initial score %d", hazard.Score)
		}

		due, err := validDate(field+".actionDue", hazard.ActionDue)
		if err != nil {
			return RiskAssessment{}, err
		}
		hazard.ActionDue = due

		hazards = append(hazards, hazard)
		residuals = append(residuals, hazard.ResidualRating)
	}
	if len(hazards) == 0 {
		return RiskAssessment{}, invalid("hazards", "at least one hazard is required")
	}
	form.Hazards = hazards
	form.OverallResidual = Highest(residuals...)
	return form, nil
}

var ghsPictograms = map[string]struct{}{
	"GHS01": {}, "GHS02": {}, "GHS03": {}, "GHS04": {}, "GHS05": {},
	"GHS06": {}, "GHS07": {}, "GHS08": {}, "GHS09": {},
}

var exposureRoutes = map[string]struct{}{
	"inhalation": {},
	"skin":       {},
	"eyes":       {},
	"ingestion":  {},
}

type COSHH struct {
	Substance              string   `json:"substance"`
	Supplier               string   `json:"supplier"`
	ProductCode            string   `json:"productCode"`
	Pictograms             []string `json:"pictograms"`
	HazardStatements       []string `json:"hazardStatements"`
	ExposureRoutes         []string `json:"exposureRoutes"`
	WorkplaceExposureLimit string   `json:"workplaceExposureLimit"`
	PPE                    []string `json:"ppe"`
	Controls               string   `json:"controls"`
	FirstAid               string   `json:"firstAid"`
	Storage                string   `json:"storage"`
	Disposal               string   `json:"disposal"`
	SpillProcedure         string   `json:"spillProcedure"`
	Likelihood             int      `json:"likelihood,omitempty"`
	Severity               int      `json:"severity,omitempty"`
	Score                  int      `json:"score,omitempty"`
	Rating                 Rating   `json:"rating,omitempty"`
}

func normalizeCOSHH(raw []byte) (COSHH, error) {
	var form COSHH
	if err := decodeStrict(raw, &form); err != nil {
		return COSHH{}, err
	}
	form.Substance = strings.TrimSpace(form.Substance)
	if form.Substance == "" {
		return COSHH{}, invalid("substance", "is required")
	}
	form.Supplier = strings.TrimSpace(form.Supplier)
	form.ProductCode = strings.TrimSpace(form.ProductCode)
	form.WorkplaceExposureLimit = strings.TrimSpace(form.WorkplaceExposureLimit)
	form.Controls = strings.TrimSpace(form.Controls)
	form.FirstAid = strings.TrimSpace(form.FirstAid)
	form.Storage = strings.TrimSpace(form.Storage)
	form.Disposal = strings.TrimSpace(form.Disposal)
	form.SpillProcedure = strings.TrimSpace(form.SpillProcedure)
	form.HazardStatements = cleanList(form.HazardStatements)
	form.PPE = cleanList(form.PPE)

	pictograms, err := normalizeSet("pictograms", form.Pictograms, ghsPictograms, strings.ToUpper)
	if err != nil {
		return COSHH{}, err
	}
	form.Pictograms = pictograms

	routes, err := normalizeSet("exposureRoutes", form.ExposureRoutes, exposureRoutes, strings.ToLower)
	if err != nil {
		return COSHH{}, err
	}
	form.ExposureRoutes = routes

	form.Score, form.Rating = 0, RatingNone
	if form.Likelihood != 0 || form.Severity != 0 {
		if err := inScale("likelihood", form.Likelihood); err != nil {
			return COSHH{}, err
		}
		if err := inScale("severity", form.Severity); err != nil {
			return COSHH{}, err
		}
		form.Score = form.Likelihood * form.Severity
		form.Rating = Rate(form.Score)
	}
	return form, nil
}

type JobDescription struct {
	RoleTitle        string   `json:"roleTitle"`
	Department       string   `json:"department"`
	ReportsTo        string   `json:"reportsTo"`
	Purpose          string   `json:"purpose"`
	Responsibilities []string `json:"responsibilities"`
	Qualifications   []string `json:"qualifications"`
	Competencies     []string `json:"competencies"`
}

func normalizeJobDescription(raw []byte) (JobDescription, error) {
	var form JobDescription
	if err := decodeStrict(raw, &form); err != nil {
		return JobDescription{}, err
	}
	form.RoleTitle = strings.TrimSpace(form.RoleTitle)
	if form.RoleTitle == "" {
		return JobDescription{}, invalid("roleTitle", "is required")
	}
	form.Department = strings.TrimSpace(form.Department)
	form.ReportsTo = strings.TrimSpace(form.ReportsTo)
	form.Purpose = strings.TrimSpace(form.Purpose)
	form.Responsibilities = cleanList(form.Responsibilities)
	form.Qualifications = cleanList(form.Qualifications)
	form.Competencies = cleanList(form.Competencies)
	return form, nil
}

const (
	StatusOpen    = "OPEN"
	StatusOverdue = "OVERDUE"
	StatusClosed  = "CLOSED"
)

var correctiveSources = map[string]struct{}{
	"AUDIT":         {},
	"COMPLAINT":     {},
	"INCIDENT":      {},
	"NONCONFORMITY": {},
	"OBSERVATION":   {},
}

type CorrectiveAction struct {
	Source      string `json:"source"`
	Description string `json:"description"`
	RootCause   string `json:"rootCause"`
	Action      string `json:"action"`
	Owner       string `json:"owner"`
	DueDate     string `json:"dueDate,omitempty"`
	ClosedDate  string `json:"closedDate,omitempty"`
	Effective   *bool  `json:"effective,omitempty"`
	Status      string `json:"status"`
}

func normalizeCorrectiveAction(raw []byte) (CorrectiveAction, error) {
	var form CorrectiveAction
	if err := decodeStrict(raw, &form); err != nil {
		return CorrectiveAction{}, err
	}
	form.Description = strings.TrimSpace(form.Description)
	if form.Description == "" {
		return CorrectiveAction{}, invalid("description", "is required")
	}
	form.Source = strings.ToUpper(strings.TrimSpace(form.Source))
	if form.Source != "" {
		if _, ok := correctiveSources[form.Source]; !ok {
			return CorrectiveAction{}, invalid("source", "unknown value %q", form.Source)
		}
	}
	form.RootCause = strings.TrimSpace(form.RootCause)
	form.Action = strings.TrimSpace(form.Action)
	form.Owner = strings.TrimSpace(form.Owner)

	due, err := validDate("dueDate", form.DueDate)
	if err != nil {
		return CorrectiveAction{}, err
	}
	closed, err := validDate("closedDate", form.ClosedDate)
	if err != nil {
		return CorrectiveAction{}, err
	}
	form.DueDate, form.ClosedDate = due, closed
	form.Status = CorrectiveActionStatus(form, now())
	return form, nil
}

// CorrectiveActionStatus derives the status of an action on the given day.
func CorrectiveActionStatus(form CorrectiveAction, at time.Time) string {
	if form.ClosedDate != "" {
		return StatusClosed
	}
	if form.DueDate != "" {
		due, err := time.Parse(dateLayout, form.DueDate)
		if err == nil {
			today := time.Date(at.Year(), at.Month(), at.Day(), 0, 0, 0, 0, time.UTC)
			if due.Before(today) {
				return StatusOverdue
			}
		}
	}
	return StatusOpen
}
