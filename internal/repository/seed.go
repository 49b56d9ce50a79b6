package repository

import "conservatory.io/cadenza/internal/domain"

// SeedConservatory loads a small conservatory dataset into the repository
// for development mode and tests.
//
// student:42 mirrors the canonical scenario: three owned lessons, one
// optional orchestra membership, no restricted references.
func SeedConservatory(r *MemoryRepository) {
	student42 := EntityRef{Type: domain.EntityStudent, ID: "42", Name: "Noa Levi"}
	teacher7 := EntityRef{Type: domain.EntityTeacher, ID: "7", Name: "Amir Cohen"}
	orchestra1 := EntityRef{Type: domain.EntityOrchestra, ID: "1", Name: "Youth Symphony"}

	r.AddEntity(student42)
	r.AddEntity(teacher7)
	r.AddEntity(orchestra1)

	lessons := []EntityRef{
		{Type: domain.EntityTheoryLesson, ID: "l-1", Name: "Harmony I"},
		{Type: domain.EntityTheoryLesson, ID: "l-2", Name: "Harmony II"},
		{Type: domain.EntityTheoryLesson, ID: "l-3", Name: "Solfege"},
	}
	for _, lesson := range lessons {
		r.AddEntity(lesson)
		r.AddRelation(student42, "student_lessons", lesson, "")
	}
	r.AddRelation(student42, "orchestra_membership", orchestra1, "memberIds")

	rehearsal := EntityRef{Type: domain.EntityRehearsal, ID: "r-1", Name: "Tuesday Strings"}
	r.AddEntity(rehearsal)
	r.AddRelation(orchestra1, "orchestra_rehearsals", rehearsal, "")
	// The orchestra's conductor reference protects the teacher from cascade.
	r.AddRelation(teacher7, "conducted_orchestras", orchestra1, "conductorId")

	// A second student with no dependents, for low-risk previews.
	r.AddEntity(EntityRef{Type: domain.EntityStudent, ID: "43", Name: "Dana Mizrahi"})

	student44 := EntityRef{Type: domain.EntityStudent, ID: "44", Name: "Yael Peretz"}
	bagrut := EntityRef{Type: domain.EntityBagrut, ID: "b-44", Name: "Bagrut 2026"}
	r.AddEntity(student44)
	r.AddEntity(bagrut)
	r.AddRelation(student44, "student_bagrut", bagrut, "")
}
