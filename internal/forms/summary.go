package forms

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"ims/api/internal/catalog"
)

// Field is one labelled line of a details summary.
type Field struct {
	Label string
	Value string
}

// Summarize flattens stored details into labelled lines for rendering.
// Hazards are summarised one line each.
func Summarize(kind catalog.FormKind, raw json.RawMessage) []Field {
	if IsEmpty(raw) {
		return nil
	}
	switch kind {
	case catalog.FormRiskAssessment:
		var form RiskAssessment
		if json.Unmarshal(raw, &form) != nil {
			return nil
		}
		fields := compact([]Field{
			{"Activity", form.Activity},
			{"Location", form.Location},
			{"Assessor", form.Assessor},
			{"Assessment date", form.AssessmentDate},
			{"Persons at risk", strings.Join(form.PersonsAtRisk, ", ")},
			{"Overall residual rating", string(form.OverallResidual)},
		})
		for i, hazard := range form.Hazards {
			fields = append(fields, Field{
				Label: fmt.Sprintf("Hazard %d", i+1),
				Value: fmt.Sprintf("%s (%d, %s; residual %d, %s)", hazard.Description, hazard.Score, hazard.Rating, hazard.ResidualScore, hazard.ResidualRating),
			})
		}
		return fields
	case catalog.FormCOSHH:
		var form COSHH
		if json.Unmarshal(raw, &form) != nil {
			return nil
		}
		return compact([]Field{
			{"Substance", form.Substance},
			{"Supplier", form.Supplier},
			{"Product code", form.ProductCode},
			{"Pictograms", strings.Join(form.Pictograms, ", ")},
			{"Hazard statements", strings.Join(form.HazardStatements, "; ")},
			{"Exposure routes", strings.Join(form.ExposureRoutes, ", ")},
			{"Workplace exposure limit", form.WorkplaceExposureLimit},
			{"PPE", strings.Join(form.PPE, ", ")},
			{"Controls", form.Controls},
			{"First aid", form.FirstAid},
			{"Storage", form.Storage},
			{"Disposal", form.Disposal},
			{"Spill procedure", form.SpillProcedure},
			{"Rating", string(form.Rating)},
		})
	case catalog.FormJobDescription:
		var form JobDescription
		if json.Unmarshal(raw, &form) != nil {
			return nil
		}
		return compact([]Field{
			{"Role", form.RoleTitle},
			{"Department", form.Department},
			{"Reports to", form.ReportsTo},
			{"Purpose", form.Purpose},
			{"Responsibilities", strings.Join(form.Responsibilities, "; ")},
			{"Qualifications", strings.Join(form.Qualifications, "; ")},
			{"Competencies", strings.Join(form.Competencies, "; ")},
		})
	case catalog.FormCorrectiveAction:
		var form CorrectiveAction
		if json.Unmarshal(raw, &form) != nil {
			return nil
		}
		form.Status = CorrectiveActionStatus(form, now())
		effective := ""
		if form.Effective != nil {
			effective = "No"
			if *form.Effective {
				effective = "Yes"
			}
		}
		return compact([]Field{
			{"Source", form.Source},
			{"Description", form.Description},
			{"Root cause", form.RootCause},
			{"Action", form.Action},
			{"Owner", form.Owner},
			{"Due", form.DueDate},
			{"Closed", form.ClosedDate},
			{"Effective", effective},
			{"Status", form.Status},
		})
	default:
		var obj map[string]any
		if json.Unmarshal(raw, &obj) != nil {
			return nil
		}
		keys := make([]string, 0, len(obj))
		for key := range obj {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		fields := make([]Field, 0, len(keys))
		for _, key := range keys {
			fields = append(fields, Field{Label: key, Value: fmt.Sprint(obj[key])})
		}
		return fields
	}
}

func compact(fields []Field) []Field {
	out := fields[:0]
	for _, field := range fields {
		if strings.TrimSpace(field.Value) != "" {
			out = append(out, field)
		}
	}
	return out
}
